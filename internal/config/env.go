package config

import "os"

// Environment overrides.
const (
	EnvSerialPort       = "LINECHECK_SERIAL_PORT"
	EnvClassifierURL    = "LINECHECK_CLASSIFIER_URL"
	EnvClassifierAPIKey = "LINECHECK_CLASSIFIER_API_KEY"
	EnvMQTTBroker       = "LINECHECK_MQTT_BROKER"
	EnvLogLevel         = "LINECHECK_LOG_LEVEL"
	EnvConfigPath       = "LINECHECK_CONFIG"
)

// Env returns the value of key, or def if it is unset or empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Path returns the config file named by LINECHECK_CONFIG, or def.
func Path(def string) string {
	return Env(EnvConfigPath, def)
}
