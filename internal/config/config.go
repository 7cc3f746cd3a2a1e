// Package config loads the registrar-core process configuration from
// flags and environment variables.
//
// Adapted from internal/signaling/config/config.go's flag/env-override
// shape and advertise-address auto-detection; the signaling-server
// knobs (dialplan path, RTP manager pool addresses) are replaced with
// this module's own (thread-pool size, qualify defaults, management
// gRPC bind address).
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the registrar-core process configuration.
type Config struct {
	// SIP transport
	Port          int
	BindAddr      string
	AdvertiseAddr string
	TransportName string
	LogLevel      string

	// Concurrency (spec.md §5)
	PartitionCount int
	HighWaterMark  int
	PruneInterval  time.Duration

	// AOR/endpoint/registration/transport configuration source.
	ConfigPath string

	// Management gRPC surface (§6), health-check only.
	ManagementGRPCAddr string

	// Defaults applied to AORs/endpoints that don't override them.
	DefaultQualifyFrequency int
	DefaultQualifyTimeout   int
	DefaultMinExpiration    int
	DefaultMaxExpiration    int
}

// Load parses flags, applies environment variable overrides, and
// auto-detects AdvertiseAddr when neither source set a valid one.
func Load() *Config {
	cfg := &Config{
		PruneInterval: time.Minute,
	}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.TransportName, "transport", "transport-udp", "Configured transport name used by outbound registrations and multihoming rewrite")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.PartitionCount, "partitions", 8, "Thread-pool partition count for fresh (non-dialog) request distribution")
	flag.IntVar(&cfg.HighWaterMark, "high-water-mark", 100, "Per-partition queue depth at which back-pressure (3x) triggers immediate 503")
	flag.StringVar(&cfg.ConfigPath, "config", "resources/config/pjsipcore.json", "Path to endpoint/aor/registration configuration file")
	flag.StringVar(&cfg.ManagementGRPCAddr, "management-grpc", "", "Optional gRPC health-check bind address for the management surface (disabled if empty)")
	flag.IntVar(&cfg.DefaultQualifyFrequency, "qualify-frequency", 30, "Default AOR qualify_frequency in seconds (0 disables)")
	flag.IntVar(&cfg.DefaultQualifyTimeout, "qualify-timeout", 2, "Default AOR qualify_timeout in seconds")
	flag.IntVar(&cfg.DefaultMinExpiration, "min-expiration", 60, "Default AOR minimum_expiration in seconds")
	flag.IntVar(&cfg.DefaultMaxExpiration, "max-expiration", 3600, "Default AOR maximum_expiration in seconds")

	flag.Parse()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if configPath := os.Getenv("PJSIPCORE_CONFIG"); configPath != "" {
		cfg.ConfigPath = configPath
	}
	if grpcAddr := os.Getenv("MANAGEMENT_GRPC_ADDR"); grpcAddr != "" {
		cfg.ManagementGRPCAddr = grpcAddr
	}

	return cfg
}

// isValidAddress checks if the address is a valid IP or resolvable hostname.
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary non-loopback interface IP.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
