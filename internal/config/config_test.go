package config

import "testing"

func validConfig() *Config {
	return &Config{
		ListenAddr:         ":8080",
		QueueMaxSize:       0,
		DrainLookahead:     8,
		RouteShardCount:    64,
		HeartbeatPeriod:    30,
		GracePeriod:        60,
		CheckPeriod:        15,
		RateLimitPerSender: 50,
		RateLimitBurst:     100,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestRejectsEmptyListenAddr(t *testing.T) {
	c := validConfig()
	c.ListenAddr = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected empty listen addr to be rejected")
	}
}

func TestRejectsZeroDrainLookahead(t *testing.T) {
	c := validConfig()
	c.DrainLookahead = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected zero drain lookahead to be rejected")
	}
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected unknown log level to be rejected")
	}
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	c := validConfig()
	c.LogFormat = "xml"
	if err := c.Validate(); err == nil {
		t.Fatal("expected unknown log format to be rejected")
	}
}
