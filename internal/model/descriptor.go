package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Protocol is the closed set of proxy protocols the pipeline understands.
// Unknown protocols are dropped during normalization (forward compatibility:
// a subscription may carry entries for engines newer than this converter).
type Protocol string

const (
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLESS       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolShadowsocks Protocol = "ss"
)

// ParseProtocol maps a raw protocol string (URI scheme or type field) to the
// canonical enum. It accepts common aliases seen in the wild.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vmess":
		return ProtocolVMess, true
	case "vless":
		return ProtocolVLESS, true
	case "trojan", "trojan-go":
		return ProtocolTrojan, true
	case "ss", "shadowsocks":
		return ProtocolShadowsocks, true
	default:
		return "", false
	}
}

type KV struct {
	Key   string
	Value string
}

// Credentials is the protocol-specific secret material. Only the fields that
// apply to the descriptor's protocol are set; the rest stay zero. The blob is
// validated structurally and never interpreted beyond that.
type Credentials struct {
	// vmess / vless
	UUID    string
	AlterID int    // vmess only
	Flow    string // vless only

	// trojan / ss
	Password string

	// ss
	Cipher string

	// ss SIP003 plugin. PluginOpts preserves order (no map) to keep the
	// identity key and exported documents deterministic.
	PluginName string
	PluginOpts []KV
}

type RealityParams struct {
	PublicKey   string
	ShortID     string
	SpiderX     string
	Fingerprint string
}

type TLSParams struct {
	SNI      string
	ALPN     []string
	Insecure bool
	Reality  *RealityParams
}

type TransportParams struct {
	// Network is "tcp", "ws" or "grpc". Empty means tcp.
	Network     string
	Path        string
	Host        string
	ServiceName string // grpc
}

// ServerDescriptor is the canonical, protocol-agnostic node representation.
// Descriptors are immutable after normalization: middleware, selector and
// postprocess stages build new slices (and new values) instead of mutating.
type ServerDescriptor struct {
	Protocol    Protocol
	Address     string
	Port        int
	Credentials Credentials
	TLS         *TLSParams
	Transport   *TransportParams

	// Tag is the display name. It may be empty after parsing and is not
	// globally unique; the tag middleware normalizes and deduplicates it.
	// Tag is excluded from the identity key.
	Tag string

	// Provenance: position of the source in the declared source list and of
	// the entry within its source document. Together they define the
	// deterministic merge order and the dedup tie-break.
	SourceIndex int
	EntryIndex  int

	// IdentityKey is the deterministic fingerprint over
	// (protocol, address, port, credentials). Set by the normalizer.
	IdentityKey string
}

// ComputeIdentityKey derives the dedup fingerprint. Tag, TLS and transport
// parameters are deliberately excluded: two entries pointing at the same
// endpoint with the same secret are the same server.
func (d ServerDescriptor) ComputeIdentityKey() string {
	var b strings.Builder
	b.WriteString(string(d.Protocol))
	b.WriteByte('\n')
	b.WriteString(strings.ToLower(d.Address))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(d.Port))
	b.WriteByte('\n')
	writeCredentials(&b, d.Credentials)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCredentials(b *strings.Builder, c Credentials) {
	b.WriteString(strings.ToLower(c.UUID))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(c.AlterID))
	b.WriteByte('\n')
	b.WriteString(c.Flow)
	b.WriteByte('\n')
	b.WriteString(c.Password)
	b.WriteByte('\n')
	b.WriteString(strings.ToLower(c.Cipher))
	b.WriteByte('\n')
	b.WriteString(c.PluginName)
	b.WriteByte('\n')
	for _, kv := range c.PluginOpts {
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Value)
		b.WriteByte(';')
	}
}

// Clone returns a deep copy. Stages that rewrite a field copy first so the
// predecessor's slice stays untouched.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	if d.TLS != nil {
		tls := *d.TLS
		if d.TLS.ALPN != nil {
			tls.ALPN = append([]string(nil), d.TLS.ALPN...)
		}
		if d.TLS.Reality != nil {
			r := *d.TLS.Reality
			tls.Reality = &r
		}
		out.TLS = &tls
	}
	if d.Transport != nil {
		tr := *d.Transport
		out.Transport = &tr
	}
	if d.Credentials.PluginOpts != nil {
		out.Credentials.PluginOpts = append([]KV(nil), d.Credentials.PluginOpts...)
	}
	return out
}

// SortStable orders descriptors by (SourceIndex, EntryIndex). Normalization
// emits entries already in document order; this is the cross-source merge
// order used before the middleware chain runs.
func SortStable(ds []ServerDescriptor) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].SourceIndex != ds[j].SourceIndex {
			return ds[i].SourceIndex < ds[j].SourceIndex
		}
		return ds[i].EntryIndex < ds[j].EntryIndex
	})
}
