package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/robotarm/armd/arm"
	"github.com/robotarm/armd/arm/pwm"
	"github.com/robotarm/armd/comms"
)

func testConfig(servos map[string]arm.ServoConfig) *arm.Config {
	cfg, err := arm.ParseConfig([]byte("{}"))
	if err != nil {
		panic(err)
	}
	cfg.Hardware.Servos = servos
	return cfg
}

func newTestServer(cfg *arm.Config) (*httptest.Server, *arm.Controller) {
	controller := arm.NewController(cfg, pwm.NewSimulatedOutput)

	api := &API{Controller: controller}
	r := chi.NewRouter()
	r.Get("/", api.Root)
	r.Route("/api", api.Routes)

	return httptest.NewServer(r), controller
}

func postJSON(url string, body interface{}) (*http.Response, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}

	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	parsed := make(map[string]interface{})
	json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func getJSON(url string) (*http.Response, map[string]interface{}) {
	resp, err := http.Get(url)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()

	parsed := make(map[string]interface{})
	json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func TestServoAPI(t *testing.T) {
	cfg := testConfig(map[string]arm.ServoConfig{
		"base":    {Name: "Base rotation", Pin: 17},
		"gripper": {Name: "Gripper", Pin: 27},
	})

	server, controller := newTestServer(cfg)
	defer server.Close()

	Convey("with an initialized controller behind the API", t, func() {
		So(controller.Initialize(), ShouldBeNil)
		controller.ClearEmergencyStop()

		Convey("the root endpoint reports service info", func() {
			resp, body := getJSON(server.URL + "/")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["name"], ShouldEqual, "Robot Arm Control System")
			So(body["version"], ShouldEqual, Version)
		})

		Convey("setting a speed succeeds and echoes it back", func() {
			resp, body := postJSON(server.URL+"/api/servos/base/speed", map[string]float64{"speed": 0.5})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["success"], ShouldEqual, true)
			So(body["servo_id"], ShouldEqual, "base")
			So(body["speed"], ShouldEqual, 0.5)

			Convey("and shows up in the status endpoints", func() {
				resp, body := getJSON(server.URL + "/api/status")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["emergency_stop_active"], ShouldEqual, false)

				servos := body["servos"].(map[string]interface{})
				base := servos["base"].(map[string]interface{})
				So(base["speed"], ShouldEqual, 0.5)
				So(base["is_running"], ShouldEqual, true)
				So(base["direction"], ShouldEqual, "forward")

				resp, body = getJSON(server.URL + "/api/servos")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["gripper"].(map[string]interface{})["status"], ShouldEqual, "stopped")
			})
		})

		Convey("speed payload validation", func() {
			resp, body := postJSON(server.URL+"/api/servos/base/speed", map[string]float64{"speed": 1.5})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(body["success"], ShouldEqual, false)
			So(body["message"], ShouldNotBeEmpty)

			resp, _ = postJSON(server.URL+"/api/servos/base/speed", map[string]string{})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("an unknown servo id is a 404", func() {
			resp, body := postJSON(server.URL+"/api/servos/nonexistent/speed", map[string]float64{"speed": 0.1})
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(body["success"], ShouldEqual, false)
		})

		Convey("start drives the servo in the requested direction", func() {
			resp, body := postJSON(server.URL+"/api/servos/gripper/start", map[string]string{"direction": "backward"})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["direction"], ShouldEqual, "backward")

			status, ok := controller.Status("gripper")
			So(ok, ShouldBeTrue)
			So(status.Speed, ShouldBeLessThan, 0)

			Convey("and stop parks it again", func() {
				resp, body := postJSON(server.URL+"/api/servos/gripper/stop", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body["speed"], ShouldEqual, 0.0)

				status, _ := controller.Status("gripper")
				So(status.IsRunning, ShouldBeFalse)
			})
		})

		Convey("a bad direction is a 400", func() {
			resp, _ := postJSON(server.URL+"/api/servos/base/start", map[string]string{"direction": "sideways"})
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("emergency stop halts everything and blocks motion", func() {
			postJSON(server.URL+"/api/servos/base/speed", map[string]float64{"speed": 0.5})

			resp, body := postJSON(server.URL+"/api/emergency-stop", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["servo_id"], ShouldEqual, "all")

			_, status := getJSON(server.URL + "/api/status")
			So(status["emergency_stop_active"], ShouldEqual, true)
			for _, raw := range status["servos"].(map[string]interface{}) {
				servo := raw.(map[string]interface{})
				So(servo["is_running"], ShouldEqual, false)
				So(servo["speed"], ShouldEqual, 0.0)
			}

			Convey("motion is refused with a conflict until cleared", func() {
				resp, _ := postJSON(server.URL+"/api/servos/base/speed", map[string]float64{"speed": 0.3})
				So(resp.StatusCode, ShouldEqual, http.StatusConflict)

				resp, _ = postJSON(server.URL+"/api/emergency-stop/clear", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)

				resp, _ = postJSON(server.URL+"/api/servos/base/speed", map[string]float64{"speed": 0.3})
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
			})
		})

		Convey("initialize endpoint rebuilds the registry", func() {
			resp, body := postJSON(server.URL+"/api/initialize", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["servo_id"], ShouldEqual, "all")
		})
	})
}

func TestRateLimiting(t *testing.T) {
	Convey("the request rate limit bounds a single client", t, func() {
		cfg := testConfig(map[string]arm.ServoConfig{
			"base": {Name: "Base rotation", Pin: 17},
		})
		cfg.API.RateLimiting.Enabled = true
		cfg.API.RateLimiting.RequestsPerMinute = 3

		controller := arm.NewController(cfg, pwm.NewSimulatedOutput)
		So(controller.Initialize(), ShouldBeNil)

		api := &API{Controller: controller}
		server := httptest.NewServer(newRouter(cfg, api, comms.NewConductor(controller)))
		defer server.Close()

		for i := 0; i < 3; i++ {
			resp, _ := getJSON(server.URL + "/api/status")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		}

		Convey("requests past the window's budget are turned away", func() {
			resp, _ := getJSON(server.URL + "/api/status")
			So(resp.StatusCode, ShouldEqual, http.StatusTooManyRequests)
		})
	})
}

func TestInitializeWithoutServos(t *testing.T) {
	Convey("initializing with an empty registry is a 503", t, func() {
		server, _ := newTestServer(testConfig(nil))
		defer server.Close()

		resp, body := postJSON(server.URL+"/api/initialize", nil)
		So(resp.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
		So(body["success"], ShouldEqual, false)
		So(body["message"], ShouldContainSubstring, "no servos")
	})
}
