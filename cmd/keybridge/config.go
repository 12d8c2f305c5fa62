package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	keybridge "github.com/gogogo1024/keybridge"
	"github.com/gogogo1024/keybridge/internal/logging"
)

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

const (
	defaultConfigPath = "keybridge.yaml"
	envPrefix         = "KEYBRIDGE_"
)

// yamlConfig is a kitex-style YAML config: load into a map, then read values via typed getters.
// It supports hierarchical keys like "link.addr".
type yamlConfig struct {
	data map[string]interface{}
}

func readYAMLConfigFile(path string) (*yamlConfig, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	b, err := io.ReadAll(fd)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{})
	if err := yaml.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &yamlConfig{data: data}, nil
}

func (yc *yamlConfig) get(path string) (interface{}, bool) {
	if yc == nil || path == "" {
		return nil, false
	}

	var cur interface{} = yc.data
	for _, p := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[interface{}]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func (yc *yamlConfig) getString(path string) (string, bool, error) {
	v, ok := yc.get(path)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("yaml %s must be string", path)
	}
	if s == "" {
		return "", true, fmt.Errorf("yaml %s is empty", path)
	}
	return s, true, nil
}

func (yc *yamlConfig) getDuration(path string) (time.Duration, bool, error) {
	s, ok, err := yc.getString(path)
	if err != nil || !ok {
		return 0, ok, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, true, fmt.Errorf("yaml %s invalid duration: %w", path, err)
	}
	return d, true, nil
}

func (yc *yamlConfig) getInt(path string) (int, bool, error) {
	v, ok := yc.get(path)
	if !ok {
		return 0, false, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, true, fmt.Errorf("yaml %s must be an integer", path)
	}
	return n, true, nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindDuration
	kindInt
)

// setting describes one configuration value and where it can come from.
type setting struct {
	key    string // YAML path
	legacy string // older flat YAML key, optional
	flag   string
	kind   valueKind
	def    interface{}
	usage  string
}

// env is the environment variable for s, e.g. link.addr -> KEYBRIDGE_LINK_ADDR.
func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(s.key))
}

var settings = []setting{
	{key: "link.addr", legacy: "addr", flag: "addr", kind: kindString, def: ":9100", usage: "remote host link listen address (empty to disable)"},
	{key: "admin.addr", flag: "admin-addr", kind: kindString, def: ":9180", usage: "admin HTTP listen address (empty to disable)"},
	{key: "timeouts.idle", legacy: "idle_timeout", flag: "idle-timeout", kind: kindDuration, def: 5 * time.Minute, usage: "link connection idle timeout (0 to disable)"},
	{key: "timeouts.write", legacy: "write_timeout", flag: "write-timeout", kind: kindDuration, def: 10 * time.Second, usage: "link reply write timeout (0 to disable)"},
	{key: "engine.tick_interval", flag: "tick-interval", kind: kindDuration, def: 10 * time.Millisecond, usage: "host process loop interval"},
	{key: "engine.ticks", flag: "ticks", kind: kindInt, def: -1, usage: "number of host process loops to run (-1 for unbounded)"},
	{key: "engine.health_check", flag: "health-check", kind: kindString, def: "echo", usage: "command dispatched by the host self-test"},
	{key: "serial.backend", flag: "serial", kind: kindString, def: "memory", usage: "serial console backend: memory or redis"},
	{key: "redis.addr", flag: "redis", kind: kindString, def: "localhost:6379", usage: "redis address"},
	{key: "redis.key_prefix", flag: "redis-prefix", kind: kindString, def: "keybridge:", usage: "redis key prefix"},
	{key: "scripts.path", flag: "script", kind: kindString, def: "", usage: "Lua handler script to load at setup"},
	{key: "log.level", flag: "log-level", kind: kindString, def: "info", usage: "log level: trace, debug, info, warn, error"},
	{key: "log.file", flag: "log-file", kind: kindString, def: "", usage: "rotating log file (empty for stderr only)"},
}

type resolvedValue struct {
	value  interface{}
	source configSource
}

type appConfig struct {
	values map[string]resolvedValue

	dotenvPath   string
	dotenvLoaded bool

	configPath   string
	configLoaded bool
}

func loadConfig(args []string) (appConfig, error) {
	resolved, err := resolveYAML(args)
	if err != nil {
		return appConfig{}, err
	}

	dotenvPath, dotenvLoaded := loadDotenv(".env")

	layered := make(map[string]resolvedValue, len(settings))
	for _, s := range settings {
		rv := resolvedValue{value: s.def, source: sourceDefault}
		if v, ok, err := readFileValue(resolved.yc, s); err != nil {
			return appConfig{}, err
		} else if ok {
			rv = resolvedValue{value: v, source: sourceFile}
		}
		if v, ok, err := readEnvValue(s); err != nil {
			return appConfig{}, err
		} else if ok {
			rv = resolvedValue{value: v, source: sourceEnv}
		}
		layered[s.key] = rv
	}

	fs := flag.NewFlagSet("keybridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config := fs.String("config", resolved.path, "path to YAML config file")
	ptrs := make(map[string]interface{}, len(settings))
	for _, s := range settings {
		cur := layered[s.key].value
		switch s.kind {
		case kindDuration:
			ptrs[s.key] = fs.Duration(s.flag, cur.(time.Duration), s.usage)
		case kindInt:
			ptrs[s.key] = fs.Int(s.flag, cur.(int), s.usage)
		default:
			ptrs[s.key] = fs.String(s.flag, cur.(string), s.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}
	flagSetFlags := visitedFlags(fs)

	values := make(map[string]resolvedValue, len(settings))
	for _, s := range settings {
		var v interface{}
		switch p := ptrs[s.key].(type) {
		case *time.Duration:
			v = *p
		case *int:
			v = *p
		case *string:
			v = *p
		}
		src := layered[s.key].source
		if isFlagSet(s.flag, flagSetFlags) {
			src = sourceFlag
		}
		values[s.key] = resolvedValue{value: v, source: src}
	}

	finalConfigPath := *config
	if abs, err := filepath.Abs(finalConfigPath); err == nil {
		finalConfigPath = abs
	}

	return appConfig{
		values:       values,
		dotenvPath:   dotenvPath,
		dotenvLoaded: dotenvLoaded,
		configPath:   finalConfigPath,
		configLoaded: resolved.loaded,
	}, nil
}

func (c appConfig) str(key string) string {
	s, _ := c.values[key].value.(string)
	return s
}

func (c appConfig) duration(key string) time.Duration {
	d, _ := c.values[key].value.(time.Duration)
	return d
}

func (c appConfig) int(key string) int {
	n, _ := c.values[key].value.(int)
	return n
}

func (c appConfig) source(key string) configSource {
	return c.values[key].source
}

func (c appConfig) validate() error {
	switch c.str("serial.backend") {
	case "memory", "redis":
	default:
		return fmt.Errorf("serial.backend must be memory or redis, got %q", c.str("serial.backend"))
	}
	if c.duration("engine.tick_interval") <= 0 {
		return errors.New("engine.tick_interval must be positive")
	}
	if _, err := logging.ParseLevel(c.str("log.level")); err != nil {
		return err
	}
	return nil
}

func (c appConfig) serveOptions(logger *zap.Logger) []keybridge.ServeOption {
	return []keybridge.ServeOption{
		keybridge.WithIdleTimeout(c.duration("timeouts.idle")),
		keybridge.WithWriteTimeout(c.duration("timeouts.write")),
		keybridge.WithServeLogger(logger),
	}
}

func (c appConfig) loggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.str("log.level")
	lc.File = c.str("log.file")
	return lc
}

// logSources reports where each value came from.
func (c appConfig) logSources(logger *zap.Logger) {
	fields := make([]zap.Field, 0, len(settings)+2)
	fields = append(fields,
		zap.String("config", c.configPath),
		zap.Bool("config_loaded", c.configLoaded),
	)
	if c.dotenvLoaded {
		fields = append(fields, zap.String("dotenv", c.dotenvPath))
	}
	for _, s := range settings {
		fields = append(fields, zap.String(s.key, fmt.Sprintf("%v (%s)", c.values[s.key].value, c.values[s.key].source)))
	}
	logger.Info("configuration", fields...)
}

func isFlagSet(name string, set map[string]bool) bool {
	return set != nil && set[name]
}

type resolvedYAML struct {
	yc     *yamlConfig
	path   string
	loaded bool
}

func resolveYAML(args []string) (resolvedYAML, error) {
	configPath, configExplicit := parseConfigPath(args, defaultConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	yc, err := readYAMLConfigFile(configPath)
	if err == nil {
		return resolvedYAML{yc: yc, path: configPath, loaded: true}, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		if configExplicit {
			return resolvedYAML{}, err
		}
		// Missing default config is OK.
		return resolvedYAML{yc: nil, path: configPath, loaded: false}, nil
	}
	return resolvedYAML{}, err
}

func loadDotenv(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load %s error: %v\n", path, err)
		}
		return path, false
	}
	return path, true
}

func readFileValue(yc *yamlConfig, s setting) (interface{}, bool, error) {
	if yc == nil {
		return nil, false, nil
	}
	for _, key := range []string{s.key, s.legacy} {
		if key == "" {
			continue
		}
		var (
			v   interface{}
			ok  bool
			err error
		)
		switch s.kind {
		case kindDuration:
			v, ok, err = yc.getDuration(key)
		case kindInt:
			v, ok, err = yc.getInt(key)
		default:
			v, ok, err = yc.getString(key)
		}
		if err != nil {
			return nil, ok, err
		}
		if ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

func readEnvValue(s setting) (interface{}, bool, error) {
	switch s.kind {
	case kindDuration:
		return getenvDurationStrict(s.env())
	case kindInt:
		return getenvIntStrict(s.env())
	default:
		return getenvStringStrict(s.env())
	}
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// parseConfigPath finds -config before the full flag set exists.
func parseConfigPath(args []string, defaultValue string) (string, bool) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimPrefix(strings.TrimPrefix(a, "-"), "-")
		if name == a {
			continue
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
	}
	return defaultValue, false
}

func getenvStringStrict(key string) (interface{}, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false, nil
	}
	if v == "" {
		return nil, true, fmt.Errorf("env %s is empty", key)
	}
	return v, true, nil
}

func getenvDurationStrict(key string) (interface{}, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false, nil
	}
	if v == "" {
		return nil, true, fmt.Errorf("env %s is empty", key)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, true, fmt.Errorf("env %s invalid duration: %w", key, err)
	}
	return d, true, nil
}

func getenvIntStrict(key string) (interface{}, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil, true, fmt.Errorf("env %s invalid integer: %w", key, err)
	}
	return n, true, nil
}
