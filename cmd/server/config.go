package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gogogo1024/novarfb"
	"github.com/gogogo1024/novarfb/protocol"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

const defaultConfigPath = "novarfb.yaml"

// yamlConfig is loaded into a map and read through typed getters.
// It supports hierarchical keys like "server.addr".
type yamlConfig struct {
	data map[interface{}]interface{}
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

	data := make(map[interface{}]interface{})
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
		case map[interface{}]interface{}:
			v, ok := m[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]interface{}:
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

// lookup returns the value of the first key in paths that is present.
func (yc *yamlConfig) lookup(kind settingKind, paths ...string) (interface{}, bool, error) {
	for _, path := range paths {
		v, ok := yc.get(path)
		if !ok {
			continue
		}
		out, err := kind.fromYAML(v)
		if err != nil {
			return nil, true, fmt.Errorf("yaml %s %w", path, err)
		}
		return out, true, nil
	}
	return nil, false, nil
}

type settingKind int

const (
	kindString settingKind = iota
	kindDuration
	kindInt
	kindFloat
)

func (k settingKind) fromYAML(v interface{}) (interface{}, error) {
	switch k {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("must be string")
		}
		if s == "" {
			return nil, errors.New("is empty")
		}
		return s, nil
	case kindDuration:
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("must be a duration string")
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		return d, nil
	case kindInt:
		n, ok := v.(int)
		if !ok {
			return nil, errors.New("must be integer")
		}
		return n, nil
	case kindFloat:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, errors.New("must be number")
	}
	return nil, fmt.Errorf("unknown kind %d", k)
}

func (k settingKind) fromEnv(key string) (interface{}, bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false, nil
	}
	if v == "" {
		return nil, true, fmt.Errorf("env %s is empty", key)
	}
	switch k {
	case kindDuration:
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, true, fmt.Errorf("env %s invalid duration: %w", key, err)
		}
		return d, true, nil
	case kindInt:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, true, fmt.Errorf("env %s invalid integer: %w", key, err)
		}
		return n, true, nil
	case kindFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, true, fmt.Errorf("env %s invalid number: %w", key, err)
		}
		return f, true, nil
	}
	return v, true, nil
}

// setting is one configurable value. Precedence is flag > env > file > default.
type setting struct {
	flag  string
	yaml  []string
	env   string
	kind  settingKind
	def   interface{}
	usage string
}

func settings() []setting {
	params := novarfb.DefaultServerParams()
	limits := novarfb.DefaultLimits()
	return []setting{
		{flag: "addr", yaml: []string{"server.addr", "addr"}, env: "NOVARFB_ADDR", kind: kindString, def: ":5900", usage: "RFB listen address"},
		{flag: "http-addr", yaml: []string{"http.addr"}, env: "NOVARFB_HTTP_ADDR", kind: kindString, def: ":5800", usage: "HTTP address for /metrics, /events and /websockify (empty to disable)"},
		{flag: "idle-timeout", yaml: []string{"timeouts.idle", "idle_timeout"}, env: "NOVARFB_IDLE_TIMEOUT", kind: kindDuration, def: 5 * time.Minute, usage: "connection idle timeout (0 to disable)"},
		{flag: "write-timeout", yaml: []string{"timeouts.write", "write_timeout"}, env: "NOVARFB_WRITE_TIMEOUT", kind: kindDuration, def: 10 * time.Second, usage: "write timeout (0 to disable)"},
		{flag: "log-level", yaml: []string{"log.level"}, env: "NOVARFB_LOG_LEVEL", kind: kindString, def: "info", usage: "debug, info, warn or error"},

		{flag: "version", yaml: []string{"rfb.version"}, env: "NOVARFB_VERSION", kind: kindString, def: params.Version.String(), usage: "protocol version offered: 3.3, 3.7 or 3.8"},
		{flag: "width", yaml: []string{"display.width"}, env: "NOVARFB_WIDTH", kind: kindInt, def: int(params.Width), usage: "framebuffer width"},
		{flag: "height", yaml: []string{"display.height"}, env: "NOVARFB_HEIGHT", kind: kindInt, def: int(params.Height), usage: "framebuffer height"},
		{flag: "name", yaml: []string{"display.name"}, env: "NOVARFB_NAME", kind: kindString, def: params.Name, usage: "desktop name"},
		{flag: "password", yaml: []string{"auth.password"}, env: "NOVARFB_PASSWORD", kind: kindString, def: "", usage: "VNC password (empty offers no authentication)"},

		{flag: "max-encodings", yaml: []string{"limits.max_encodings"}, env: "NOVARFB_MAX_ENCODINGS", kind: kindInt, def: limits.MaxEncodings, usage: "largest SetEncodings count accepted (0 for no limit)"},
		{flag: "max-cut-text", yaml: []string{"limits.max_cut_text"}, env: "NOVARFB_MAX_CUT_TEXT", kind: kindInt, def: limits.MaxCutText, usage: "largest ClientCutText accepted in bytes (0 for no limit)"},
		{flag: "max-pending", yaml: []string{"limits.max_pending"}, env: "NOVARFB_MAX_PENDING", kind: kindInt, def: limits.MaxPending, usage: "largest unparsed backlog per connection in bytes (0 for no limit)"},
		{flag: "input-rate", yaml: []string{"limits.input_rate"}, env: "NOVARFB_INPUT_RATE", kind: kindInt, def: limits.InputRate, usage: "key and pointer events per second (0 for no limit)"},
		{flag: "input-burst", yaml: []string{"limits.input_burst"}, env: "NOVARFB_INPUT_BURST", kind: kindInt, def: limits.InputBurst, usage: "input event burst size"},

		{flag: "redis-addr", yaml: []string{"redis.addr"}, env: "NOVARFB_REDIS_ADDR", kind: kindString, def: "", usage: "publish client events to this Redis server"},
		{flag: "redis-channel", yaml: []string{"redis.channel"}, env: "NOVARFB_REDIS_CHANNEL", kind: kindString, def: "novarfb:events", usage: "Redis pub/sub channel"},
		{flag: "redis-dial-timeout", yaml: []string{"redis.dial_timeout"}, env: "NOVARFB_REDIS_DIAL_TIMEOUT", kind: kindDuration, def: time.Second, usage: "Redis dial timeout"},
		{flag: "redis-read-timeout", yaml: []string{"redis.read_timeout"}, env: "NOVARFB_REDIS_READ_TIMEOUT", kind: kindDuration, def: time.Second, usage: "Redis read timeout"},
		{flag: "redis-write-timeout", yaml: []string{"redis.write_timeout"}, env: "NOVARFB_REDIS_WRITE_TIMEOUT", kind: kindDuration, def: time.Second, usage: "Redis write timeout"},
		{flag: "redis-max-retries", yaml: []string{"redis.max_retries"}, env: "NOVARFB_REDIS_MAX_RETRIES", kind: kindInt, def: 1, usage: "Redis command retries (-1 to disable)"},
		{flag: "redis-publish-timeout", yaml: []string{"redis.publish_timeout"}, env: "NOVARFB_REDIS_PUBLISH_TIMEOUT", kind: kindDuration, def: time.Second, usage: "upper bound for one event publish"},
		{flag: "redis-queue", yaml: []string{"redis.queue"}, env: "NOVARFB_REDIS_QUEUE", kind: kindInt, def: 1024, usage: "events buffered for Redis before new ones are dropped"},

		{flag: "record-dir", yaml: []string{"recording.dir"}, env: "NOVARFB_RECORD_DIR", kind: kindString, def: "", usage: "record key and pointer input into this directory"},
		{flag: "record-s3-bucket", yaml: []string{"recording.s3.bucket"}, env: "NOVARFB_RECORD_S3_BUCKET", kind: kindString, def: "", usage: "upload recordings to this S3 bucket"},
		{flag: "record-s3-prefix", yaml: []string{"recording.s3.prefix"}, env: "NOVARFB_RECORD_S3_PREFIX", kind: kindString, def: "recordings/", usage: "S3 key prefix"},
		{flag: "record-s3-region", yaml: []string{"recording.s3.region"}, env: "NOVARFB_RECORD_S3_REGION", kind: kindString, def: "us-east-1", usage: "S3 region"},
		{flag: "record-s3-endpoint", yaml: []string{"recording.s3.endpoint"}, env: "NOVARFB_RECORD_S3_ENDPOINT", kind: kindString, def: "", usage: "custom S3 endpoint, e.g. a MinIO URL"},
	}
}

type serverConfig struct {
	values  map[string]interface{}
	sources map[string]configSource

	dotenvPath   string
	dotenvLoaded bool

	configPath   string
	configLoaded bool
}

func loadConfig(args []string) (serverConfig, error) {
	resolved, err := resolveYAML(args)
	if err != nil {
		return serverConfig{}, err
	}

	dotenvPath, dotenvLoaded := loadDotenv(".env")

	all := settings()
	defaults := make(map[string]interface{}, len(all))
	fileSet := map[string]bool{}
	envSet := map[string]bool{}
	for _, s := range all {
		defaults[s.flag] = s.def
		if v, ok, err := resolved.yc.lookup(s.kind, s.yaml...); err != nil {
			return serverConfig{}, err
		} else if ok {
			defaults[s.flag] = v
			fileSet[s.flag] = true
		}
		if v, ok, err := s.kind.fromEnv(s.env); err != nil {
			return serverConfig{}, err
		} else if ok {
			defaults[s.flag] = v
			envSet[s.flag] = true
		}
	}

	fs := flag.NewFlagSet("rfbd", flag.ContinueOnError)
	fs.String("config", resolved.path, "path to YAML config file")
	ptrs := make(map[string]interface{}, len(all))
	for _, s := range all {
		switch s.kind {
		case kindString:
			ptrs[s.flag] = fs.String(s.flag, defaults[s.flag].(string), s.usage)
		case kindDuration:
			ptrs[s.flag] = fs.Duration(s.flag, defaults[s.flag].(time.Duration), s.usage)
		case kindInt:
			ptrs[s.flag] = fs.Int(s.flag, defaults[s.flag].(int), s.usage)
		case kindFloat:
			ptrs[s.flag] = fs.Float64(s.flag, defaults[s.flag].(float64), s.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return serverConfig{}, err
	}

	flagSet := visitedFlags(fs)
	cfg := serverConfig{
		values:       make(map[string]interface{}, len(all)),
		sources:      make(map[string]configSource, len(all)),
		dotenvPath:   dotenvPath,
		dotenvLoaded: dotenvLoaded,
		configPath:   resolved.path,
		configLoaded: resolved.loaded,
	}
	for _, s := range all {
		switch p := ptrs[s.flag].(type) {
		case *string:
			cfg.values[s.flag] = *p
		case *time.Duration:
			cfg.values[s.flag] = *p
		case *int:
			cfg.values[s.flag] = *p
		case *float64:
			cfg.values[s.flag] = *p
		}
		cfg.sources[s.flag] = pickSource(flagSet[s.flag], envSet[s.flag], fileSet[s.flag])
	}
	return cfg, nil
}

func (c serverConfig) str(name string) string {
	s, _ := c.values[name].(string)
	return s
}

func (c serverConfig) duration(name string) time.Duration {
	d, _ := c.values[name].(time.Duration)
	return d
}

func (c serverConfig) integer(name string) int {
	n, _ := c.values[name].(int)
	return n
}

func (c serverConfig) float(name string) float64 {
	f, _ := c.values[name].(float64)
	return f
}

func (c serverConfig) source(name string) configSource {
	if s, ok := c.sources[name]; ok {
		return s
	}
	return sourceDefault
}

func (c serverConfig) addr() string     { return c.str("addr") }
func (c serverConfig) httpAddr() string { return c.str("http-addr") }

func (c serverConfig) logLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.str("log-level"))); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return l, nil
}

func (c serverConfig) serverParams() (novarfb.ServerParams, error) {
	p := novarfb.DefaultServerParams()

	v, err := parseVersion(c.str("version"))
	if err != nil {
		return p, err
	}
	p.Version = v

	w, h := c.integer("width"), c.integer("height")
	if w <= 0 || w > 0xFFFF || h <= 0 || h > 0xFFFF {
		return p, fmt.Errorf("display size %dx%d out of range", w, h)
	}
	p.Width, p.Height = uint16(w), uint16(h)
	p.Name = c.str("name")
	p.Password = c.str("password")
	return p, p.Validate()
}

func (c serverConfig) limits() novarfb.Limits {
	return novarfb.Limits{
		MaxEncodings: c.integer("max-encodings"),
		MaxCutText:   c.integer("max-cut-text"),
		MaxPending:   c.integer("max-pending"),
		InputRate:    c.integer("input-rate"),
		InputBurst:   c.integer("input-burst"),
	}
}

func (c serverConfig) serveOptions() ([]novarfb.ServeOption, error) {
	params, err := c.serverParams()
	if err != nil {
		return nil, err
	}
	return []novarfb.ServeOption{
		novarfb.WithIdleTimeout(c.duration("idle-timeout")),
		novarfb.WithWriteTimeout(c.duration("write-timeout")),
		novarfb.WithServerParams(params),
		novarfb.WithLimits(c.limits()),
	}, nil
}

func parseVersion(s string) (protocol.Version, error) {
	for _, v := range []protocol.Version{protocol.Version3_3, protocol.Version3_7, protocol.Version3_8} {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unsupported protocol version %q", s)
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
		return resolvedYAML{path: configPath}, nil
	}
	return resolvedYAML{}, err
}

func loadDotenv(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("load dotenv failed", "path", path, "error", err)
		}
		return path, false
	}
	return path, true
}

func visitedFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func pickSource(flagSet bool, envOK bool, fileOK bool) configSource {
	if flagSet {
		return sourceFlag
	}
	if envOK {
		return sourceEnv
	}
	if fileOK {
		return sourceFile
	}
	return sourceDefault
}

func parseConfigPath(args []string, defaultValue string) (string, bool) {
	fs := flag.NewFlagSet("preconfig", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config := fs.String("config", defaultValue, "path to YAML config file")
	// Register the remaining flags so their values do not stop parsing.
	for _, s := range settings() {
		fs.String(s.flag, "", "")
	}
	_ = fs.Parse(args)
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	return *config, explicit
}
