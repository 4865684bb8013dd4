package http

type Config struct {
	Port             uint      `mapstructure:"port"`
	ForwardPortRange PortRange `mapstructure:"forward_port_range"`
	ForwardBindHost  string    `mapstructure:"forward_bind_host"`
	AdminAPIKey      string    `mapstructure:"admin_api_key"`
	AllowedOrigins   []string  `mapstructure:"allowed_origins"`
}

type PortRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}
