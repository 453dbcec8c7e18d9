package config

import "time"

type Config struct {
	ListenAddr         string              `yaml:"listen_addr"`
	Header             string              `yaml:"header"` // "varint" or "compact"
	MaxFrameSize       uint32              `yaml:"max_frame_size"`
	ScratchSize        int                 `yaml:"scratch_size"`
	LowWater           int                 `yaml:"low_water"`
	MaxPending         int                 `yaml:"max_pending"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	RecordLocation     string              `yaml:"record_location"`
	PlaybackLocation   string              `yaml:"playback_location"`
	StatsServer        struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval_ms"`
	} `yaml:"stats_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	}
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}
