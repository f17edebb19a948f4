package main

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/robotarm/armd/arm"
	aerr "github.com/robotarm/armd/arm/errors"
)

// API translates REST calls into servo controller operations. The
// controller is passed in at construction; there is no package-level
// instance.
type API struct {
	Controller *arm.Controller
}

//---
// Payloads
//---

type StartPayload struct {
	Direction string `json:"direction"`
}

func (p *StartPayload) Bind(r *http.Request) error {
	if p.Direction != "forward" && p.Direction != "backward" {
		return aerr.DirectionError{Direction: p.Direction}
	}
	return nil
}

type SpeedPayload struct {
	Speed *float64 `json:"speed"`
}

func (p *SpeedPayload) Bind(r *http.Request) error {
	if p.Speed == nil {
		return stderrors.New("speed is required")
	}
	if *p.Speed < -1.0 || *p.Speed > 1.0 {
		return aerr.OutOfRangeError{What: "speed", Value: *p.Speed, Min: -1.0, Max: 1.0}
	}
	return nil
}

type ServoResponse struct {
	Success   bool      `json:"success"`
	ServoID   string    `json:"servo_id"`
	Speed     float64   `json:"speed"`
	Direction string    `json:"direction,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type SystemStatusResponse struct {
	SystemStatus        string                     `json:"system_status"`
	EmergencyStopActive bool                       `json:"emergency_stop_active"`
	Servos              map[string]arm.ServoStatus `json:"servos"`
	Timestamp           time.Time                  `json:"timestamp"`
}

//---
// Error responses
//---

type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusBadRequest, Message: err.Error()}
}

func ErrNotFound(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusNotFound, Message: err.Error()}
}

func ErrConflict(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusConflict, Message: err.Error()}
}

func ErrUnavailable(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusServiceUnavailable, Message: err.Error()}
}

func ErrInternal(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusInternalServerError, Message: err.Error()}
}

// errRenderer maps control core error kinds onto HTTP statuses.
func errRenderer(err error) render.Renderer {
	var nameErr aerr.ServoNameError
	var rangeErr aerr.OutOfRangeError
	var dirErr aerr.DirectionError

	switch {
	case stderrors.As(err, &nameErr):
		return ErrNotFound(err)
	case stderrors.Is(err, aerr.ErrEmergencyStop):
		return ErrConflict(err)
	case stderrors.As(err, &rangeErr), stderrors.As(err, &dirErr):
		return ErrInvalidRequest(err)
	case stderrors.Is(err, aerr.ErrNoServos):
		return ErrUnavailable(err)
	default:
		return ErrInternal(err)
	}
}

//---
// Views
//---

// Routes mounts the servo control surface on a router, normally under
// /api.
func (a *API) Routes(r chi.Router) {
	r.Post("/servos/{servoID}/start", a.StartServo)
	r.Post("/servos/{servoID}/speed", a.SetServoSpeed)
	r.Post("/servos/{servoID}/stop", a.StopServo)
	r.Post("/emergency-stop", a.EmergencyStop)
	r.Post("/emergency-stop/clear", a.ClearEmergencyStop)
	r.Post("/initialize", a.InitializeServos)
	r.Get("/status", a.SystemStatus)
	r.Get("/servos", a.ListServos)
}

// Root reports service information.
func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{
		"name":        "Robot Arm Control System",
		"version":     Version,
		"description": "REST API for controlling a robotic arm",
	})
}

func (a *API) StartServo(w http.ResponseWriter, r *http.Request) {
	servoID := chi.URLParam(r, "servoID")

	data := &StartPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Controller.Start(servoID, data.Direction); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}

	status, _ := a.Controller.Status(servoID)
	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   servoID,
		Speed:     status.Speed,
		Direction: data.Direction,
		Message:   fmt.Sprintf("Started servo %s %s", servoID, data.Direction),
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) SetServoSpeed(w http.ResponseWriter, r *http.Request) {
	servoID := chi.URLParam(r, "servoID")

	data := &SpeedPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	if err := a.Controller.SetSpeed(servoID, *data.Speed); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}

	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   servoID,
		Speed:     *data.Speed,
		Message:   fmt.Sprintf("Set servo %s speed to %.2f", servoID, *data.Speed),
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) StopServo(w http.ResponseWriter, r *http.Request) {
	servoID := chi.URLParam(r, "servoID")

	if err := a.Controller.Stop(servoID); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}

	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   servoID,
		Speed:     0.0,
		Message:   fmt.Sprintf("Stopped servo %s", servoID),
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := a.Controller.EmergencyStop(); err != nil {
		render.Render(w, r, ErrInternal(err))
		return
	}

	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   "all",
		Speed:     0.0,
		Message:   "Emergency stop activated",
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) ClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := a.Controller.ClearEmergencyStop(); err != nil {
		render.Render(w, r, ErrInternal(err))
		return
	}

	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   "all",
		Speed:     0.0,
		Message:   "Emergency stop cleared",
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) InitializeServos(w http.ResponseWriter, r *http.Request) {
	if err := a.Controller.Initialize(); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}

	render.JSON(w, r, ServoResponse{
		Success:   true,
		ServoID:   "all",
		Speed:     0.0,
		Message:   "All servos initialized",
		Timestamp: time.Now().UTC(),
	})
}

func (a *API) SystemStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, SystemStatusResponse{
		SystemStatus:        "running",
		EmergencyStopActive: a.Controller.EmergencyStopActive(),
		Servos:              a.Controller.StatusAll(),
		Timestamp:           time.Now().UTC(),
	})
}

func (a *API) ListServos(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, a.Controller.StatusAll())
}
