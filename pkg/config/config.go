package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".hwwatch"
	configFile string = "config.yml"
)

// DefaultMaxStackDepth is the number of native frames captured when
// max-stack-depth is not set.
const DefaultMaxStackDepth = 100

// Trampolines lists the native functions that sit between interpreted
// frames. Names ending in '*' match by prefix, names surrounded by '*'
// match anywhere.
type Trampolines struct {
	// Replace lists functions that run one interpreted frame each, they are
	// substituted by that frame in merged stacks.
	Replace []string `yaml:"replace"`
	// Drop lists interpreter internals that are removed from merged stacks.
	Drop []string `yaml:"drop"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// SuppressStack disables hit presentation while another debugger is
	// attached to the target.
	SuppressStack bool `yaml:"suppress-stack-when-debugged"`
	// SuppressBreak disables the debug break raised on a hit while another
	// debugger is attached to the target.
	SuppressBreak bool `yaml:"suppress-break-when-debugged"`

	// MaxStackDepth is the maximum number of native frames captured on a
	// hit.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// ShowStack captures and prints the merged call stack of every hit.
	ShowStack bool `yaml:"show-stack"`

	Trampolines Trampolines `yaml:"trampolines"`

	// ScriptFramesSymbol is the global variable holding the innermost
	// interpreted frame record of the target.
	ScriptFramesSymbol string `yaml:"script-frames-symbol,omitempty"`
}

// SuppressStackWhenDebugged implements hwbp.Settings.
func (c *Config) SuppressStackWhenDebugged() bool {
	return c != nil && c.SuppressStack
}

// SuppressBreakWhenDebugged implements hwbp.Settings.
func (c *Config) SuppressBreakWhenDebugged() bool {
	return c != nil && c.SuppressBreak
}

// StackDepth returns the configured maximum stack depth or the default.
func (c *Config) StackDepth() int {
	if c == nil || c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	c, err := Load(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// Load reads the config file at path, writing the default configuration
// there first if it does not exist.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		f, err = createDefaultConfig(path)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for hwwatch.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Do not print hits while another debugger is attached to the target.
# suppress-stack-when-debugged: true

# Do not raise a debug break on hits while another debugger is attached.
# suppress-break-when-debugged: true

# Maximum number of native frames captured when a breakpoint fires.
# max-stack-depth: 100

# Uncomment the following line to print the call stack of every hit.
# show-stack: true

# Global variable pointing at the innermost interpreted frame record.
# script-frames-symbol: script_frames

# Native functions that run interpreted code. Frames of "replace" functions
# are substituted with interpreted frames, "drop" frames are hidden.
# Names ending in * match by prefix, names surrounded by * match anywhere.
trampolines:
  replace:
    # - "UObject::ProcessInternal()"
  drop:
    # - "*::exec*"
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
