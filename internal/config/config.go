// Package config implements the engine's environment-variable driven
// configuration (spec §6), the counterpart of ipp-usb's conf.go
// Configuration/ConfLoad shape adapted to the spec's env-var schema —
// the spec defines no on-disk main-config file format, so config
// moves out of ipp-usb's INI reader and into os.Getenv; the quirk
// database (package quirks) is JSON-only per spec §6, so no on-disk
// INI format survives into this repo.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/swiftmtp/swiftmtp/internal/paths"
	"github.com/swiftmtp/swiftmtp/quirks"
)

// Configuration holds the user overrides read from the environment
// (spec §6 "Environment inputs").
type Configuration struct {
	IOTimeoutMs         *int
	MaxChunkBytes       *int
	HandshakeTimeoutMs  *int
	InactivityTimeoutMs *int
	OverallDeadlineMs   *int
	StabilizeMs         *int
	QuirksPath          string

	Debug  bool // MTP_DEBUG: enables verbose protocol logs
	Strict bool // MTP_STRICT: disables quirks and learned profiles for bring-up
	Safe   bool // MTP_SAFE: forces conservative tuning
}

// Conf is the process-wide configuration, populated by ConfLoad.
var Conf = defaults()

func defaults() Configuration {
	return Configuration{QuirksPath: paths.QuirksDir()}
}

// ConfLoad (re)populates Conf from the environment (spec §6).
func ConfLoad() error {
	c := defaults()

	c.IOTimeoutMs = envInt("MTP_IO_TIMEOUT_MS")
	c.MaxChunkBytes = envInt("MTP_MAX_CHUNK_BYTES")
	c.HandshakeTimeoutMs = envInt("MTP_HANDSHAKE_TIMEOUT_MS")
	c.InactivityTimeoutMs = envInt("MTP_INACTIVITY_TIMEOUT_MS")
	c.OverallDeadlineMs = envInt("MTP_OVERALL_DEADLINE_MS")
	c.StabilizeMs = envInt("MTP_STABILIZE_MS")

	if p := os.Getenv("MTP_QUIRKS_PATH"); p != "" {
		c.QuirksPath = p
	}

	c.Debug = envBool("MTP_DEBUG")
	c.Strict = envBool("MTP_STRICT")
	c.Safe = envBool("MTP_SAFE")

	Conf = c
	return nil
}

func envInt(name string) *int {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v != "" && v != "0" && v != "false"
}

// safeChunkBytes/safeTimeoutMs are the conservative values MTP_SAFE
// substitutes for any field the user didn't already override
// explicitly (spec §6: "forces conservative tuning").
const (
	safeChunkBytes      = 256 * 1024
	safeIOTimeoutMs     = 20_000
	safeHandshakeMs     = 15_000
	safeInactivityMs    = 20_000
	safeOverallDeadline = 120_000
)

// ToOverrides converts the loaded configuration into the quirks policy
// builder's Overrides layer (spec §4.4 merge-order step 5, the
// outermost layer).
func (c Configuration) ToOverrides() quirks.Overrides {
	o := quirks.Overrides{
		MaxChunkBytes:        c.MaxChunkBytes,
		IOTimeoutMs:          c.IOTimeoutMs,
		HandshakeTimeoutMs:   c.HandshakeTimeoutMs,
		InactivityTimeoutMs:  c.InactivityTimeoutMs,
		OverallDeadlineMs:    c.OverallDeadlineMs,
		StabilizeMs:          c.StabilizeMs,
	}

	if c.Safe {
		setIfAbsent(&o.MaxChunkBytes, safeChunkBytes)
		setIfAbsent(&o.IOTimeoutMs, safeIOTimeoutMs)
		setIfAbsent(&o.HandshakeTimeoutMs, safeHandshakeMs)
		setIfAbsent(&o.InactivityTimeoutMs, safeInactivityMs)
		setIfAbsent(&o.OverallDeadlineMs, safeOverallDeadline)
	}

	return o
}

func setIfAbsent(dst **int, v int) {
	if *dst == nil {
		vv := v
		*dst = &vv
	}
}
