// Package config loads the JSON settings file shared by the service
// binaries.
package config

import (
	"encoding/json"
	"os"
)

// Settings covers every service binary; each binary reads the fields it
// needs and ignores the rest.
type Settings struct {
	ListenPort int  `json:"listen_port"`
	Debug      bool `json:"debug"`

	TablesDir string `json:"tables_dir"`

	UDPPort int `json:"udp_port"`

	DbHost string `json:"db_host"`
	DbPort int    `json:"db_port"`
	DbUser string `json:"db_user"`
	DbPass string `json:"db_pass"`
	DbName string `json:"db_name"`

	RedisHost string `json:"redis_host"`
	RedisPort int    `json:"redis_port"`
	TablesTTL int    `json:"tables_ttl"` // seconds

	MQTTServer      string `json:"mqtt_server"`
	MQTTTLS         bool   `json:"mqtt_tls"`
	MQTTAuth        string `json:"mqtt_auth"`
	MQTTTopicPrefix string `json:"mqtt_topic"`

	InfluxHost string `json:"influx_host"`
	InfluxPort int    `json:"influx_port"`
	InfluxDB   string `json:"influx_db"`
}

// Load reads and parses the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
