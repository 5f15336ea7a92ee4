// Package config loads the proxy configuration.
//
// The configuration is read with viper from an optional YAML file, every key
// can be overridden by a SIPPROXY_ prefixed environment variable, e.g.
// SIPPROXY_LOG_LEVEL=debug or SIPPROXY_DNS_NAMESERVER=127.0.0.1:53.
package config

//go:generate errtrace -w .

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/sip"
)

// EnvPrefix prefixes environment variables overriding configuration keys.
const EnvPrefix = "SIPPROXY"

// DefaultProfileName names the profile used when the routing logic does not pick one.
const DefaultProfileName = "default"

// Config is the whole proxy configuration.
type Config struct {
	Log       LogConfig                `mapstructure:"log"`
	Listen    []ListenConfig           `mapstructure:"listen"`
	Transport TransportConfig          `mapstructure:"transport"`
	DNS       DNSConfig                `mapstructure:"dns"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Timings   TimingsConfig            `mapstructure:"timings"`
	Profiles  map[string]ProfileConfig `mapstructure:"profiles"`
}

// LogConfig configures the logger, see [log.New].
type LogConfig struct {
	Level     string           `mapstructure:"level"`
	Format    string           `mapstructure:"format"`
	AddSource bool             `mapstructure:"add_source"`
	File      *log.FileOptions `mapstructure:"file"`
}

// ListenConfig is one listening socket.
type ListenConfig struct {
	Transport string `mapstructure:"transport"`
	Addr      string `mapstructure:"addr"`
}

// TLSConfig points to PEM files.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// CAFile verifies peer certificates, system roots are used when empty.
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// TransportConfig configures the transport layer.
type TransportConfig struct {
	// Host is put into Via and Record-Route, the first listener address when empty.
	Host    string   `mapstructure:"host"`
	Aliases []string `mapstructure:"aliases"`
	// FlowKey is the hex encoded flow token key, a random one is used when empty.
	FlowKey       string        `mapstructure:"flow_key"`
	ConnIdleTTL   time.Duration `mapstructure:"conn_idle_ttl"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	SendQueueSize int           `mapstructure:"send_queue_size"`
	TLS           TLSConfig     `mapstructure:"tls"`
}

// DNSConfig configures the resolver and its worker pool.
type DNSConfig struct {
	// NameServer is "host:port", the first resolv.conf server when empty.
	NameServer   string        `mapstructure:"nameserver"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	Workers      int           `mapstructure:"workers"`
	// Timeout bounds a whole resolution cascade.
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// TimingsConfig holds the RFC 3261 base timers shared by every profile.
type TimingsConfig struct {
	T1     time.Duration `mapstructure:"t1"`
	T2     time.Duration `mapstructure:"t2"`
	T4     time.Duration `mapstructure:"t4"`
	TimerD time.Duration `mapstructure:"timer_d"`
}

// BlacklistConfig overrides [proxy.BlacklistConfig] fields that are set.
type BlacklistConfig struct {
	Enabled *bool         `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Codes   []string      `mapstructure:"codes"`
	Size    int           `mapstructure:"size"`
}

// CacheConfig overrides [proxy.CacheConfig] fields that are set.
type CacheConfig struct {
	Enabled     *bool         `mapstructure:"enabled"`
	Size        int           `mapstructure:"size"`
	MinTTL      time.Duration `mapstructure:"min_ttl"`
	MaxTTL      time.Duration `mapstructure:"max_ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
}

// ProfileConfig describes a routing profile. Unset fields keep the values
// of [proxy.DefaultProfile].
type ProfileConfig struct {
	TimerB time.Duration `mapstructure:"timer_b"`
	TimerC time.Duration `mapstructure:"timer_c"`
	TimerF time.Duration `mapstructure:"timer_f"`

	Transports               []string `mapstructure:"transports"`
	IPFamilies               []string `mapstructure:"ip_families"`
	ForceTransportPreference *bool    `mapstructure:"force_transport_preference"`
	DNSEnabled               *bool    `mapstructure:"dns_enabled"`
	DNSFailoverOn503         *bool    `mapstructure:"dns_failover_on_503"`

	Blacklist BlacklistConfig `mapstructure:"blacklist"`
	Cache     CacheConfig     `mapstructure:"cache"`

	RecordRoute    *bool `mapstructure:"record_route"`
	RecordRouteAll *bool `mapstructure:"record_route_all"`
	AddPath        *bool `mapstructure:"add_path"`
}

// Listener is a validated listening socket.
type Listener struct {
	Proto sip.TransportProto
	Addr  netip.AddrPort
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", string(log.FormatConsole))
	v.SetDefault("log.add_source", false)

	v.SetDefault("listen", []map[string]any{{"transport": "udp", "addr": "0.0.0.0:5060"}})

	v.SetDefault("transport.host", "")
	v.SetDefault("transport.aliases", []string{})
	v.SetDefault("transport.flow_key", "")
	v.SetDefault("transport.conn_idle_ttl", 10*time.Minute)
	v.SetDefault("transport.dial_timeout", 10*time.Second)
	v.SetDefault("transport.send_queue_size", 64)
	v.SetDefault("transport.tls.cert_file", "")
	v.SetDefault("transport.tls.key_file", "")
	v.SetDefault("transport.tls.ca_file", "")
	v.SetDefault("transport.tls.insecure_skip_verify", false)

	v.SetDefault("dns.nameserver", "")
	v.SetDefault("dns.query_timeout", 5*time.Second)
	v.SetDefault("dns.workers", 32)
	v.SetDefault("dns.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("timings.t1", sip.T1)
	v.SetDefault("timings.t2", sip.T2)
	v.SetDefault("timings.t4", sip.T4)
	v.SetDefault("timings.timer_d", sip.TimeD)
}

// Load reads the configuration file at path, which may be empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrLoad, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrLoad, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &cfg, nil
}

// ErrLoad is returned when the configuration can not be read or decoded.
const ErrLoad errorutil.Error = "failed to load config"

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, errorutil.NewInvalidArgumentError("log level %q", c.Log.Level))
	}
	if !slices.Contains([]log.Format{"", log.FormatConsole, log.FormatDev, log.FormatJSON, log.FormatText},
		log.Format(strings.ToLower(c.Log.Format))) {
		errs = append(errs, errorutil.NewWrapperError(log.ErrUnknownFormat, "%q", c.Log.Format))
	}
	if _, err := c.Listeners(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Transport.flowKey(); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.SendQueueSize < 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("negative send queue size"))
	}
	if (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
		errs = append(errs, errorutil.NewInvalidArgumentError("TLS cert_file and key_file must be set together"))
	}
	if c.DNS.NameServer != "" {
		if _, err := netip.ParseAddrPort(c.DNS.NameServer); err != nil {
			errs = append(errs, errorutil.NewInvalidArgumentError("DNS name server %q: %v", c.DNS.NameServer, err))
		}
	}
	if c.DNS.Workers < 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("negative DNS workers"))
	}
	if c.Timings.T1 <= 0 || c.Timings.T2 < c.Timings.T1 || c.Timings.T4 <= 0 {
		errs = append(errs, errorutil.NewInvalidArgumentError("timings require 0 < T1 <= T2 and T4 > 0"))
	}
	if _, err := c.BuildProfiles(); err != nil {
		errs = append(errs, err)
	}
	return errtrace.Wrap(errorutil.JoinPrefix("invalid config", errs...))
}

// Listeners returns the parsed listening sockets.
func (c *Config) Listeners() ([]Listener, error) {
	if len(c.Listen) == 0 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("no listeners"))
	}

	var (
		out  = make([]Listener, 0, len(c.Listen))
		errs []error
	)
	for i, l := range c.Listen {
		proto, ok := sip.ParseTransportProto(l.Transport)
		if !ok {
			errs = append(errs, errorutil.NewInvalidArgumentError("listen[%d]: unknown transport %q", i, l.Transport))
			continue
		}
		addr, err := netip.ParseAddrPort(l.Addr)
		if err != nil {
			errs = append(errs, errorutil.NewInvalidArgumentError("listen[%d]: %v", i, err))
			continue
		}
		if proto.Secured() && c.Transport.TLS.CertFile == "" {
			errs = append(errs, errorutil.NewInvalidArgumentError("listen[%d]: %s requires TLS certificate", i, proto))
			continue
		}
		out = append(out, Listener{Proto: proto, Addr: addr})
	}
	if err := errorutil.JoinPrefix("listeners", errs...); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return out, nil
}

// BaseTimings returns the base transaction timings shared by profiles.
func (c *Config) BaseTimings() sip.TimingConfig {
	return sip.NewTimings(c.Timings.T1, c.Timings.T2, c.Timings.T4, c.Timings.TimerD)
}

// BuildProfiles builds and validates every configured profile.
// The default profile always exists.
func (c *Config) BuildProfiles() (map[string]*proxy.Profile, error) {
	names := lo.Keys(c.Profiles)
	if !slices.Contains(names, DefaultProfileName) {
		names = append(names, DefaultProfileName)
	}
	slices.Sort(names)

	var (
		out  = make(map[string]*proxy.Profile, len(names))
		errs []error
	)
	for _, name := range names {
		p, err := c.Profiles[name].build(name, c.BaseTimings())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if err := errorutil.JoinPrefix("profiles", errs...); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return out, nil
}

func (pc ProfileConfig) build(name string, timings sip.TimingConfig) (*proxy.Profile, error) {
	p := proxy.DefaultProfile()
	p.Name = name
	p.Timings = timings
	p.TimerB, p.TimerC, p.TimerF = pc.TimerB, pc.TimerC, pc.TimerF

	var errs []error
	if len(pc.Transports) > 0 {
		p.Transports = lo.FilterMap(pc.Transports, func(s string, _ int) (sip.TransportProto, bool) {
			tp, ok := sip.ParseTransportProto(s)
			if !ok {
				errs = append(errs, errorutil.NewInvalidArgumentError("unknown transport %q", s))
			}
			return tp, ok
		})
	}
	if len(pc.IPFamilies) > 0 {
		p.IPFamilies = lo.Map(pc.IPFamilies, func(s string, _ int) sip.IPFamily {
			return sip.IPFamily(strings.ToLower(s))
		})
	}
	setBool(&p.ForceTransportPreference, pc.ForceTransportPreference)
	setBool(&p.DNSEnabled, pc.DNSEnabled)
	setBool(&p.DNSFailoverOn503, pc.DNSFailoverOn503)
	setBool(&p.RecordRoute, pc.RecordRoute)
	setBool(&p.RecordRouteAll, pc.RecordRouteAll)
	setBool(&p.AddPath, pc.AddPath)

	setBool(&p.Blacklist.Enabled, pc.Blacklist.Enabled)
	setPositive(&p.Blacklist.TTL, pc.Blacklist.TTL)
	setPositive(&p.Blacklist.Size, pc.Blacklist.Size)
	if len(pc.Blacklist.Codes) > 0 {
		p.Blacklist.Codes = slices.Clone(pc.Blacklist.Codes)
	}

	setBool(&p.Cache.Enabled, pc.Cache.Enabled)
	setPositive(&p.Cache.Size, pc.Cache.Size)
	setPositive(&p.Cache.MinTTL, pc.Cache.MinTTL)
	setPositive(&p.Cache.MaxTTL, pc.Cache.MaxTTL)
	setPositive(&p.Cache.NegativeTTL, pc.Cache.NegativeTTL)

	errs = append(errs, p.Validate())
	if err := errorutil.JoinPrefix("profile "+name, errs...); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return p, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setPositive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// LogOptions returns the options of [log.New].
func (c *Config) LogOptions() *log.Options {
	lvl := new(slog.LevelVar)
	if l, err := log.ParseLevel(c.Log.Level); err == nil {
		lvl.Set(l)
	}
	return &log.Options{
		Format:    log.Format(c.Log.Format),
		Level:     lvl,
		AddSource: c.Log.AddSource,
		File:      c.Log.File,
	}
}

func (c *TransportConfig) flowKey() ([]byte, error) {
	if c.FlowKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.FlowKey)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("flow key: %v", err))
	}
	if len(key) < 16 {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("flow key shorter than 16 bytes"))
	}
	return key, nil
}

// FlowKeyBytes returns the decoded flow token key, nil when not configured.
func (c *TransportConfig) FlowKeyBytes() []byte {
	key, _ := c.flowKey()
	return key
}

// TLSConfigs loads the certificates and returns the server and client TLS configurations.
// The server configuration is nil when no certificate is configured.
func (c *TransportConfig) TLSConfigs() (server, client *tls.Config, err error) {
	client = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify, //nolint:gosec
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, nil, errtrace.Wrap(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("no certificates in %s", c.TLS.CAFile))
		}
		client.RootCAs = pool
	}
	if c.TLS.CertFile == "" {
		return nil, client, nil
	}

	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	client.Certificates = []tls.Certificate{cert}
	server = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return server, client, nil
}
