package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/sanctuary/internal/identity"
	"github.com/petervdpas/sanctuary/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "sanctuary.json"

// EnvLogLevel overrides logging.level when set.
const EnvLogLevel = "SANCTUARY_LOG_LEVEL"

type Config struct {
	Identity Identity `json:"identity"`
	Roster   []Member `json:"roster"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	Paths    Paths    `json:"paths"`
	Session  Session  `json:"session"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Chat     Chat     `json:"chat"`
	Playback Playback `json:"playback"`
	Vault    Vault    `json:"vault"`
	Logging  Logging  `json:"logging"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	// Email selects which roster member this peer is.
	Email string `json:"email"`
}

type Member struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	IDPrefix   string `json:"id_prefix"`

	// Bootstrap peers as full multiaddrs including /p2p/<id>.
	Bootstrap []string `json:"bootstrap"`
}

type Presence struct {
	Topic        string `json:"topic"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type Paths struct {
	DataDir  string `json:"data_dir"`
	InboxDir string `json:"inbox_dir"`
}

type Session struct {
	DialTimeoutSec int `json:"dial_timeout_seconds"`

	// Two connections opened within this window are treated as a symmetric
	// dial. 0 disables the tie-break and the newest connection wins.
	DuplicateWindowMs int `json:"duplicate_window_ms"`
}

type Call struct {
	ICEServers   []string `json:"ice_servers"`
	CaptureVideo bool     `json:"capture_video"`
	CaptureAudio bool     `json:"capture_audio"`

	// Optional host:port; remote RTP is copied there as UDP datagrams.
	ForwardRTP string `json:"forward_rtp"`
}

type Viewer struct {
	HTTPAddr    string `json:"http_addr"`
	OpenBrowser bool   `json:"open_browser"`
}

type Chat struct {
	HistorySize      int `json:"history_size"`
	TypingIntervalMs int `json:"typing_interval_ms"`
	TypingIdleMs     int `json:"typing_idle_ms"`
}

type Playback struct {
	// 0 waits for a local object until the item changes.
	ResolveTimeoutSec int `json:"resolve_timeout_seconds"`
}

type Vault struct {
	DefaultPassword string `json:"default_password"`
}

type Logging struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Email:   "you@example.com",
		},
		Roster: []Member{
			{ID: "1", Email: "you@example.com", Name: "You"},
			{ID: "2", Email: "partner@example.com", Name: "Partner"},
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "sanctuary-mdns",
			IDPrefix:   identity.DefaultPrefix,
		},
		Presence: Presence{
			Topic:        "sanctuary.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Paths: Paths{
			DataDir:  "data",
			InboxDir: "inbox",
		},
		Session: Session{
			DialTimeoutSec:    30,
			DuplicateWindowMs: 2000,
		},
		Call: Call{
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
			CaptureVideo: true,
			CaptureAudio: true,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Chat: Chat{
			HistorySize:      100,
			TypingIntervalMs: 1000,
			TypingIdleMs:     2000,
		},
		Playback: Playback{
			ResolveTimeoutSec: 0,
		},
		Vault: Vault{
			DefaultPassword: "sanctuary",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Identity.Email) == "" {
		return errors.New("identity.email is required")
	}

	// Roster
	ro, err := c.RosterOf()
	if err != nil {
		return err
	}
	if _, err := ro.Self(c.Identity.Email); err != nil {
		return fmt.Errorf("identity.email: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, raw := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(raw); err != nil {
			return fmt.Errorf("p2p.bootstrap %q: %w", raw, err)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Session
	if c.Session.DialTimeoutSec <= 0 {
		return errors.New("session.dial_timeout_seconds must be > 0")
	}
	if c.Session.DuplicateWindowMs < 0 {
		return errors.New("session.duplicate_window_ms must be >= 0")
	}

	// Call
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers %q: must start with stun:, turn: or turns:", s)
		}
	}
	if c.Call.ForwardRTP != "" {
		if err := validateHostPort(c.Call.ForwardRTP); err != nil {
			return fmt.Errorf("call.forward_rtp: %w", err)
		}
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if err := validateHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Chat
	if c.Chat.HistorySize <= 0 {
		return errors.New("chat.history_size must be > 0")
	}
	if c.Chat.TypingIntervalMs <= 0 || c.Chat.TypingIdleMs <= 0 {
		return errors.New("chat typing intervals must be > 0")
	}

	if c.Playback.ResolveTimeoutSec < 0 {
		return errors.New("playback.resolve_timeout_seconds must be >= 0")
	}
	if c.Vault.DefaultPassword == "" {
		return errors.New("vault.default_password is required")
	}
	if _, err := logging.LevelFromString(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func validateHostPort(raw string) error {
	_, p, err := net.SplitHostPort(raw)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 0 || n > 65535 {
		return errors.New("invalid port")
	}
	return nil
}

// RosterOf resolves the configured members into an identity.Roster.
func (c *Config) RosterOf() (identity.Roster, error) {
	members := make([]identity.Member, 0, len(c.Roster))
	for _, m := range c.Roster {
		members = append(members, identity.Member{ID: m.ID, Email: m.Email, Name: m.Name})
	}
	ro, err := identity.NewRoster(identity.NewResolver(c.P2P.IDPrefix), members...)
	if err != nil {
		return identity.Roster{}, fmt.Errorf("roster: %w", err)
	}
	return ro, nil
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Session.DialTimeoutSec) * time.Second
}

func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.Session.DuplicateWindowMs) * time.Millisecond
}

func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Playback.ResolveTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Logging.Level = lvl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
