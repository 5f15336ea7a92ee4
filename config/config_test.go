package config_test

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghettovoice/sipproxy/config"
	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sipproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	ls, err := cfg.Listeners()
	require.NoError(t, err)
	require.Equal(t, []config.Listener{
		{Proto: sip.TransportUDP, Addr: netip.MustParseAddrPort("0.0.0.0:5060")},
	}, ls)

	require.Equal(t, sip.NewTimings(sip.T1, sip.T2, sip.T4, sip.TimeD), cfg.BaseTimings())
	require.Equal(t, 32, cfg.DNS.Workers)
	require.Equal(t, "/metrics", cfg.Metrics.Path)
	require.False(t, cfg.Metrics.Enabled)

	profiles, err := cfg.BuildProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	p := profiles[config.DefaultProfileName]
	require.NotNil(t, p)
	require.Equal(t, config.DefaultProfileName, p.Name)
	require.True(t, p.DNSEnabled)
	require.True(t, p.RecordRoute)
	require.Equal(t, cfg.BaseTimings(), p.Timings)

	opts := cfg.LogOptions()
	require.Equal(t, slog.LevelInfo, opts.Level.Level())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: warn
  format: json
listen:
  - transport: udp
    addr: 192.0.2.1:5060
  - transport: tcp
    addr: "[2001:db8::1]:5060"
transport:
  host: proxy.example.com
  aliases: [sip.example.com]
  flow_key: 000102030405060708090a0b0c0d0e0f
dns:
  nameserver: 198.51.100.53:53
  workers: 4
timings:
  t1: 250ms
profiles:
  default:
    record_route: false
  trunk:
    transports: [tls, tcp]
    ip_families: [IPv6]
    dns_failover_on_503: true
    timer_c: 90s
    blacklist:
      enabled: true
      ttl: 1m
      codes: ["503", client_timeout]
    cache:
      enabled: true
      max_ttl: 10m
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, slog.LevelWarn, cfg.LogOptions().Level.Level())
	require.Equal(t, "proxy.example.com", cfg.Transport.Host)
	require.Equal(t, []string{"sip.example.com"}, cfg.Transport.Aliases)
	require.Len(t, cfg.Transport.FlowKeyBytes(), 16)
	require.Equal(t, 4, cfg.DNS.Workers)
	require.Equal(t, 5*time.Second, cfg.DNS.QueryTimeout)

	ls, err := cfg.Listeners()
	require.NoError(t, err)
	require.Equal(t, []config.Listener{
		{Proto: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.1:5060")},
		{Proto: sip.TransportTCP, Addr: netip.MustParseAddrPort("[2001:db8::1]:5060")},
	}, ls)

	require.Equal(t, 250*time.Millisecond, cfg.BaseTimings().T1())
	require.Equal(t, sip.T2, cfg.BaseTimings().T2())

	profiles, err := cfg.BuildProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	def := profiles["default"]
	require.False(t, def.RecordRoute)
	require.True(t, def.DNSEnabled)

	trunk := profiles["trunk"]
	require.Equal(t, "trunk", trunk.Name)
	require.Equal(t, []sip.TransportProto{sip.TransportTLS, sip.TransportTCP}, trunk.Transports)
	require.Equal(t, []sip.IPFamily{sip.IPv6}, trunk.IPFamilies)
	require.True(t, trunk.DNSFailoverOn503)
	require.True(t, trunk.RecordRoute)
	require.Equal(t, 90*time.Second, trunk.TimerC)
	require.Equal(t, 90*time.Second, trunk.TransactionTimings().TimeC())
	require.True(t, trunk.Blacklist.Enabled)
	require.Equal(t, time.Minute, trunk.Blacklist.TTL)
	require.Equal(t, []string{"503", "client_timeout"}, trunk.Blacklist.Codes)
	require.True(t, trunk.Cache.Enabled)
	require.Equal(t, 10*time.Minute, trunk.Cache.MaxTTL)
	require.Equal(t, time.Second, trunk.Cache.MinTTL)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SIPPROXY_LOG_LEVEL", "debug")
	t.Setenv("SIPPROXY_DNS_WORKERS", "8")
	t.Setenv("SIPPROXY_METRICS_ENABLED", "true")
	t.Setenv("SIPPROXY_TRANSPORT_HOST", "edge.example.com")

	path := writeConfig(t, `
log:
  level: error
dns:
  workers: 2
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, cfg.LogOptions().Level.Level())
	require.Equal(t, 8, cfg.DNS.Workers)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "edge.example.com", cfg.Transport.Host)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
log:
  level: loud
listen:
  - transport: sctp
    addr: 192.0.2.1:5060
  - transport: tls
    addr: 192.0.2.1:5061
transport:
  flow_key: zz
profiles:
  bad:
    transports: [carrier-pigeon]
    ip_families: [ipx]
`)

	_, err := config.Load(path)
	require.Error(t, err)
	require.ErrorIs(t, err, errorutil.ErrInvalidArgument)
	for _, s := range []string{
		`log level "loud"`,
		`unknown transport "sctp"`,
		"TLS requires TLS certificate",
		"flow key",
		`unknown transport "carrier-pigeon"`,
		`unknown IP family "ipx"`,
	} {
		require.ErrorContains(t, err, s)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, config.ErrLoad)
}

func TestTransportConfig_TLSConfigs(t *testing.T) {
	t.Parallel()

	c := config.TransportConfig{TLS: config.TLSConfig{InsecureSkipVerify: true}}
	srv, cli, err := c.TLSConfigs()
	require.NoError(t, err)
	require.Nil(t, srv)
	require.NotNil(t, cli)
	require.True(t, cli.InsecureSkipVerify)

	c = config.TransportConfig{TLS: config.TLSConfig{CertFile: "missing.pem", KeyFile: "missing.key"}}
	_, _, err = c.TLSConfigs()
	require.Error(t, err)
}
