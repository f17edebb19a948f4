package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/cors"

	"github.com/robotarm/armd/arm"
	"github.com/robotarm/armd/arm/pwm"
	"github.com/robotarm/armd/comms"
)

const Version = "1.0.0"

type EnvConfig struct {
	ConfigPath string `env:"ARMD_CONFIG" envDefault:"config/config.yaml"`
	Debug      bool   `env:"DEBUG" envDefault:"0"`
}

func main() {
	// Load process environment
	ENV := new(EnvConfig)
	env.Parse(ENV)

	// process flags
	configPath := flag.String("config", ENV.ConfigPath, "path to the YAML configuration file")
	simulated := flag.Bool("sim", false, "run with simulated PWM outputs")
	listen := flag.String("listen", "", "override the ip:port to listen on")
	flag.Parse()

	cfg, err := arm.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("unable to load config: %v", err)
	}

	factory := pwm.Factory(pwm.NewGPIOOutput)
	if *simulated {
		fmt.Println("Running with simulated outputs")
		factory = pwm.NewSimulatedOutput
	}

	controller := arm.NewController(cfg, factory)
	if err := controller.Initialize(); err != nil {
		// keep serving; POST /api/initialize can retry once the fault
		// is cleared
		log.Printf("servo initialization failed: %v", err)
	}

	// stop everything and release the pins on shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("Shutting down, stopping all servos")
		if err := controller.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
		os.Exit(0)
	}()

	conductor := comms.NewConductor(controller)
	go conductor.UpdateClients()

	api := &API{Controller: controller}
	r := newRouter(cfg, api, conductor)

	// Create a local shell for bench work against the live controller
	go runShell(controller, cfg)

	addr := cfg.API.ListenAddr()
	if *listen != "" {
		addr = *listen
	}
	fmt.Println("Listening on", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal(err)
	}
}

func newRouter(cfg *arm.Config, api *API, conductor *comms.Conductor) chi.Router {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	if cfg.API.CORS.Enabled {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.API.CORS.AllowedOrigins,
			AllowedMethods:   cfg.API.CORS.AllowedMethods,
			AllowedHeaders:   cfg.API.CORS.AllowedHeaders,
			AllowCredentials: true,
		}).Handler)
	}
	if cfg.API.RateLimiting.Enabled {
		r.Use(httprate.LimitByIP(cfg.API.RateLimiting.RequestsPerMinute, time.Minute))
		r.Use(middleware.Throttle(cfg.API.RateLimiting.BurstLimit))
	}

	//---
	// Build the API routes
	//---
	r.Get("/", api.Root)
	r.Route("/api", api.Routes)

	// Add websocket routes
	r.Route("/ws", func(r chi.Router) {
		r.Get("/echo", conductor.EchoHandler)
		r.Get("/status", conductor.StatusHandler)
	})

	return r
}

func runShell(controller *arm.Controller, cfg *arm.Config) {
	servoNames := func([]string) []string {
		keys := make([]string, 0, len(cfg.Hardware.Servos))
		for k := range cfg.Hardware.Servos {
			keys = append(keys, k)
		}
		return keys
	}

	shell := ishell.New()
	shell.Println("Robot arm development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name:      "speed",
		Completer: servoNames,
		Help:      "speed <name> <-1.0..1.0>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(fmt.Errorf("usage: speed <name> <value>"))
				return
			}
			speed, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("Setting servo %s speed to %.2f\n", c.Args[0], speed)
			if err := controller.SetSpeed(c.Args[0], speed); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "stop",
		Completer: servoNames,
		Help:      "stop <name|all>",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 || c.Args[0] == "all" {
				if err := controller.StopAll(); err != nil {
					c.Err(err)
				}
				return
			}
			if err := controller.Stop(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "estop",
		Help: "engage the emergency stop",
		Func: func(c *ishell.Context) {
			if err := controller.EmergencyStop(); err != nil {
				c.Err(err)
			}
			c.Println("Emergency stop engaged")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "clear",
		Help: "clear the emergency stop",
		Func: func(c *ishell.Context) {
			if err := controller.ClearEmergencyStop(); err != nil {
				c.Err(err)
			}
			c.Println("Emergency stop cleared")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "print the state of every servo",
		Func: func(c *ishell.Context) {
			if controller.EmergencyStopActive() {
				c.Println("EMERGENCY STOP ACTIVE")
			}
			for id, status := range controller.StatusAll() {
				c.Printf("%-12s %-8s speed=%+.2f\n", id, status.Status, status.Speed)
			}
		},
	})

	shell.Run()
}
