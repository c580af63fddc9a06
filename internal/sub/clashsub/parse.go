// Package clashsub parses Clash subscription YAML: any document with a
// top-level proxies sequence. Keys outside the proxies list are ignored; a
// full Clash config and a bare proxy-provider payload both work.
package clashsub

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/sub"
)

type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Format() detect.Format { return detect.FormatClash }

type document struct {
	Proxies []proxy `yaml:"proxies"`
}

type proxy struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Server   string `yaml:"server"`
	Port     any    `yaml:"port"`
	Cipher   string `yaml:"cipher"`
	Password string `yaml:"password"`
	UUID     string `yaml:"uuid"`
	AlterID  any    `yaml:"alterId"`
	Flow     string `yaml:"flow"`

	TLS            bool     `yaml:"tls"`
	SNI            string   `yaml:"sni"`
	ServerName     string   `yaml:"servername"`
	SkipCertVerify bool     `yaml:"skip-cert-verify"`
	ALPN           []string `yaml:"alpn"`
	Fingerprint    string   `yaml:"client-fingerprint"`

	Network string `yaml:"network"`
	WSOpts  struct {
		Path    string            `yaml:"path"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"ws-opts"`
	GRPCOpts struct {
		ServiceName string `yaml:"grpc-service-name"`
	} `yaml:"grpc-opts"`
	RealityOpts struct {
		PublicKey string `yaml:"public-key"`
		ShortID   string `yaml:"short-id"`
	} `yaml:"reality-opts"`

	Plugin     string         `yaml:"plugin"`
	PluginOpts map[string]any `yaml:"plugin-opts"`
}

func (*Parser) Parse(source string, data []byte) ([]sub.RawEntry, error) {
	if !utf8.Valid(data) {
		return nil, sub.NewParseError(source, 0, "", "订阅不是合法 UTF-8 文本", "", nil)
	}

	var doc document
	if err := yaml.Unmarshal(detect.StripBOM(data), &doc); err != nil {
		return nil, sub.NewParseError(source, 0, "", "Clash YAML 解析失败", "", err)
	}
	if len(doc.Proxies) == 0 {
		return nil, sub.NewParseError(source, 0, "", "YAML 中没有 proxies 列表或列表为空", "expected: proxies: [...]", nil)
	}
	if len(doc.Proxies) > sub.MaxEntries {
		return nil, sub.NewParseError(source, 0, "", fmt.Sprintf("订阅节点数量超过上限（>%d）", sub.MaxEntries), "", nil)
	}

	out := make([]sub.RawEntry, 0, len(doc.Proxies))
	for i, p := range doc.Proxies {
		out = append(out, &entry{index: i + 1, proxy: p})
	}
	return out, nil
}

type entry struct {
	index int // 1-based position in the proxies sequence
	proxy proxy
}

func (e *entry) Pos() (int, string) {
	return e.index, sub.TruncateSnippet(e.proxy.Name+" "+e.proxy.Server, 200)
}

func (e *entry) Descriptor() (model.ServerDescriptor, error) {
	p := e.proxy

	proto, ok := model.ParseProtocol(p.Type)
	if !ok {
		return model.ServerDescriptor{}, fmt.Errorf("type %q: %w", p.Type, sub.ErrUnknownProtocol)
	}
	if strings.TrimSpace(p.Server) == "" {
		return model.ServerDescriptor{}, fmt.Errorf("server: %w", sub.ErrMissingField)
	}
	port, err := scalarToPort(p.Port)
	if err != nil {
		return model.ServerDescriptor{}, err
	}
	name := strings.TrimSpace(p.Name)
	if sub.HasControlChars(name) || len(name) > sub.MaxFieldLen {
		return model.ServerDescriptor{}, fmt.Errorf("name: %w", sub.ErrOutOfRange)
	}

	d := model.ServerDescriptor{
		Protocol: proto,
		Address:  strings.TrimSpace(p.Server),
		Port:     port,
		Tag:      name,
	}

	switch proto {
	case model.ProtocolShadowsocks:
		if p.Cipher == "" || p.Password == "" {
			return model.ServerDescriptor{}, fmt.Errorf("cipher/password: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{
			Cipher:     strings.ToLower(p.Cipher),
			Password:   p.Password,
			PluginName: strings.TrimSpace(p.Plugin),
			PluginOpts: sortedOpts(p.PluginOpts),
		}
	case model.ProtocolVMess:
		if p.UUID == "" {
			return model.ServerDescriptor{}, fmt.Errorf("uuid: %w", sub.ErrMissingField)
		}
		alterID, err := scalarToInt(p.AlterID)
		if err != nil || alterID < 0 {
			return model.ServerDescriptor{}, fmt.Errorf("alterId: %w", sub.ErrOutOfRange)
		}
		d.Credentials = model.Credentials{UUID: p.UUID, AlterID: alterID}
	case model.ProtocolVLESS:
		if p.UUID == "" {
			return model.ServerDescriptor{}, fmt.Errorf("uuid: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{UUID: p.UUID, Flow: p.Flow}
	case model.ProtocolTrojan:
		if p.Password == "" {
			return model.ServerDescriptor{}, fmt.Errorf("password: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{Password: p.Password}
	}

	d.TLS = e.tlsParams(proto)
	d.Transport = e.transportParams()
	return d, nil
}

func (e *entry) tlsParams(proto model.Protocol) *model.TLSParams {
	p := e.proxy
	sni := p.SNI
	if sni == "" {
		sni = p.ServerName
	}

	if p.RealityOpts.PublicKey != "" {
		return &model.TLSParams{
			SNI: sni,
			Reality: &model.RealityParams{
				PublicKey:   p.RealityOpts.PublicKey,
				ShortID:     p.RealityOpts.ShortID,
				Fingerprint: p.Fingerprint,
			},
		}
	}
	// Clash marks trojan TLS implicitly; other protocols carry tls: true.
	if p.TLS || proto == model.ProtocolTrojan {
		return &model.TLSParams{SNI: sni, ALPN: p.ALPN, Insecure: p.SkipCertVerify}
	}
	return nil
}

func (e *entry) transportParams() *model.TransportParams {
	p := e.proxy
	switch strings.ToLower(p.Network) {
	case "ws", "httpupgrade":
		host := ""
		if p.WSOpts.Headers != nil {
			host = p.WSOpts.Headers["Host"]
		}
		return &model.TransportParams{Network: "ws", Path: p.WSOpts.Path, Host: host}
	case "grpc":
		return &model.TransportParams{Network: "grpc", ServiceName: p.GRPCOpts.ServiceName}
	default:
		return nil
	}
}

func scalarToPort(v any) (int, error) {
	p, err := scalarToInt(v)
	if err != nil {
		return 0, fmt.Errorf("port: %w", sub.ErrOutOfRange)
	}
	if p == 0 {
		return 0, fmt.Errorf("port: %w", sub.ErrMissingField)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d: %w", p, sub.ErrOutOfRange)
	}
	return p, nil
}

func scalarToInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	default:
		return 0, fmt.Errorf("unsupported scalar type %T", v)
	}
}

// sortedOpts flattens the plugin-opts map in key order: YAML maps are
// unordered, and identity keys must not depend on map iteration.
func sortedOpts(m map[string]any) []model.KV {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.KV{Key: k, Value: fmt.Sprintf("%v", m[k])})
	}
	return out
}
