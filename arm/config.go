package arm

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/robotarm/armd/arm/pwm"
)

type ServoConfig struct {
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
}

type PWMConfig struct {
	Frequency       int     `yaml:"frequency"`
	CenterDutyCycle float64 `yaml:"center_duty_cycle"`
	MinDutyCycle    float64 `yaml:"min_duty_cycle"`
	MaxDutyCycle    float64 `yaml:"max_duty_cycle"`
}

type HardwareConfig struct {
	PWM    PWMConfig              `yaml:"pwm"`
	Servos map[string]ServoConfig `yaml:"servos"`
}

type SafetyConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	EmergencyStopEnabled     bool    `yaml:"emergency_stop_enabled"`
	SpeedLimitingEnabled     bool    `yaml:"speed_limiting_enabled"`
	TimeoutProtectionEnabled bool    `yaml:"timeout_protection_enabled"`
	CommandTimeout           int     `yaml:"command_timeout"`        // ms
	MovementTimeout          int     `yaml:"movement_timeout"`       // ms, declared only
	EmergencyStopTimeout     int     `yaml:"emergency_stop_timeout"` // ms, declared only
	GlobalMaxSpeed           int     `yaml:"global_max_speed"`       // percent
	GlobalMaxAcceleration    int     `yaml:"global_max_acceleration"` // percent, declared only
	StartSpeed               float64 `yaml:"start_speed"`
}

// MaxSpeed returns the configured speed ceiling as a fraction. Full
// speed when limiting is disabled.
func (c SafetyConfig) MaxSpeed() float64 {
	if !c.Enabled || !c.SpeedLimitingEnabled {
		return 1.0
	}
	return float64(c.GlobalMaxSpeed) / 100
}

// WriteTimeout returns the bound on a single hardware write, or zero
// when timeout protection is off.
func (c SafetyConfig) WriteTimeout() time.Duration {
	if !c.Enabled || !c.TimeoutProtectionEnabled {
		return 0
	}
	return time.Duration(c.CommandTimeout) * time.Millisecond
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstLimit        int  `yaml:"burst_limit"`
}

// AuthConfig is parsed for completeness but enforcement is out of
// scope; nothing consults these toggles yet.
type AuthConfig struct {
	Enabled        bool `yaml:"enabled"`
	APIKeyRequired bool `yaml:"api_key_required"`
	JWTEnabled     bool `yaml:"jwt_enabled"`
}

type APIConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	Debug          bool            `yaml:"debug"`
	CORS           CORSConfig      `yaml:"cors"`
	RateLimiting   RateLimitConfig `yaml:"rate_limiting"`
	Authentication AuthConfig      `yaml:"authentication"`
}

func (c APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level          string `yaml:"level"`
	FileEnabled    bool   `yaml:"file_enabled"`
	FilePath       string `yaml:"file_path"`
	ConsoleEnabled bool   `yaml:"console_enabled"`
}

type Config struct {
	Hardware HardwareConfig `yaml:"hardware"`
	Safety   SafetyConfig   `yaml:"safety"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Calibration exposes the duty cycle constants in the form the codec
// consumes.
func (c *Config) Calibration() pwm.Calibration {
	return pwm.Calibration{
		Center: c.Hardware.PWM.CenterDutyCycle,
		Min:    c.Hardware.PWM.MinDutyCycle,
		Max:    c.Hardware.PWM.MaxDutyCycle,
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}

	return ParseConfig(raw)
}

// ParseConfig unmarshals a YAML document, applies defaults and
// validates the result.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal yaml")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Hardware.PWM.Frequency == 0 {
		c.Hardware.PWM.Frequency = 50
	}
	if c.Hardware.PWM.CenterDutyCycle == 0 {
		c.Hardware.PWM.CenterDutyCycle = 0.0696
	}
	if c.Hardware.PWM.MinDutyCycle == 0 {
		c.Hardware.PWM.MinDutyCycle = 0.05
	}
	if c.Hardware.PWM.MaxDutyCycle == 0 {
		c.Hardware.PWM.MaxDutyCycle = 0.10
	}
	if c.Safety.GlobalMaxSpeed == 0 {
		c.Safety.GlobalMaxSpeed = 100
	}
	if c.Safety.CommandTimeout == 0 {
		c.Safety.CommandTimeout = 1000
	}
	if c.Safety.StartSpeed == 0 {
		c.Safety.StartSpeed = 1.0
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.API.RateLimiting.RequestsPerMinute == 0 {
		c.API.RateLimiting.RequestsPerMinute = 60
	}
	if c.API.RateLimiting.BurstLimit == 0 {
		c.API.RateLimiting.BurstLimit = 10
	}
	if len(c.API.CORS.AllowedOrigins) == 0 {
		c.API.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.API.CORS.AllowedMethods) == 0 {
		c.API.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE"}
	}
	if len(c.API.CORS.AllowedHeaders) == 0 {
		c.API.CORS.AllowedHeaders = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

func (c *Config) Validate() error {
	p := c.Hardware.PWM
	if p.Frequency <= 0 {
		return errors.Errorf("pwm frequency must be positive, got %d", p.Frequency)
	}
	if !(p.MinDutyCycle < p.CenterDutyCycle && p.CenterDutyCycle < p.MaxDutyCycle) {
		return errors.Errorf("duty cycles must satisfy min < center < max, got %v < %v < %v",
			p.MinDutyCycle, p.CenterDutyCycle, p.MaxDutyCycle)
	}

	pins := make(map[int]string, len(c.Hardware.Servos))
	for id, servo := range c.Hardware.Servos {
		if servo.Pin <= 0 {
			return errors.Errorf("servo %s has invalid pin %d", id, servo.Pin)
		}
		if other, taken := pins[servo.Pin]; taken {
			return errors.Errorf("servos %s and %s share pin %d", other, id, servo.Pin)
		}
		pins[servo.Pin] = id
	}

	if c.Safety.StartSpeed <= 0 || c.Safety.StartSpeed > 1 {
		return errors.Errorf("start_speed must be in (0, 1], got %v", c.Safety.StartSpeed)
	}
	if c.Safety.GlobalMaxSpeed < 0 || c.Safety.GlobalMaxSpeed > 100 {
		return errors.Errorf("global_max_speed must be a percentage, got %d", c.Safety.GlobalMaxSpeed)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return errors.Errorf("api port %d out of range", c.API.Port)
	}

	return nil
}
