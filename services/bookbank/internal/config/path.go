package config

// ConfigPath is the default config file location, relative to the working directory.
const ConfigPath = "config.yaml"
