// Package sip008 parses the SIP008 online configuration document: a JSON
// object with a version marker and a servers array of shadowsocks entries.
package sip008

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/sub"
)

type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Format() detect.Format { return detect.FormatSIP008 }

type document struct {
	Version int      `json:"version"`
	Servers []server `json:"servers"`
}

type server struct {
	Remarks string `json:"remarks"`
	Server  string `json:"server"`
	// server_port is a number per SIP008, but strings appear in the wild.
	ServerPort any    `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Plugin     string `json:"plugin"`
	PluginOpts string `json:"plugin_opts"`
}

func (*Parser) Parse(source string, data []byte) ([]sub.RawEntry, error) {
	if !utf8.Valid(data) {
		return nil, sub.NewParseError(source, 0, "", "订阅不是合法 UTF-8 文本", "", nil)
	}

	var doc document
	if err := json.Unmarshal(detect.StripBOM(data), &doc); err != nil {
		return nil, sub.NewParseError(source, 0, sub.TruncateSnippet(string(data), 200), "SIP008 JSON 解析失败", "", err)
	}
	if doc.Version != 1 {
		return nil, sub.NewParseError(source, 0, "", fmt.Sprintf("不支持的 SIP008 version：%d", doc.Version), "expected: version=1", nil)
	}
	if len(doc.Servers) == 0 {
		return nil, sub.NewParseError(source, 0, "", "订阅中没有任何可用节点", "", nil)
	}
	if len(doc.Servers) > sub.MaxEntries {
		return nil, sub.NewParseError(source, 0, "", fmt.Sprintf("订阅节点数量超过上限（>%d）", sub.MaxEntries), "", nil)
	}

	out := make([]sub.RawEntry, 0, len(doc.Servers))
	for i, s := range doc.Servers {
		out = append(out, &entry{index: i + 1, server: s})
	}
	return out, nil
}

type entry struct {
	index  int // 1-based position in the servers array
	server server
}

func (e *entry) Pos() (int, string) {
	return e.index, sub.TruncateSnippet(e.server.Remarks+" "+e.server.Server, 200)
}

func (e *entry) Descriptor() (model.ServerDescriptor, error) {
	s := e.server
	if strings.TrimSpace(s.Server) == "" {
		return model.ServerDescriptor{}, fmt.Errorf("server: %w", sub.ErrMissingField)
	}
	if s.Method == "" || s.Password == "" {
		return model.ServerDescriptor{}, fmt.Errorf("method/password: %w", sub.ErrMissingField)
	}
	port, err := portToInt(s.ServerPort)
	if err != nil {
		return model.ServerDescriptor{}, err
	}
	if len(s.Password) > sub.MaxFieldLen || len(s.Remarks) > sub.MaxFieldLen {
		return model.ServerDescriptor{}, fmt.Errorf("field longer than %d bytes: %w", sub.MaxFieldLen, sub.ErrOutOfRange)
	}

	creds := model.Credentials{
		Cipher:   strings.ToLower(strings.TrimSpace(s.Method)),
		Password: s.Password,
	}
	if p := strings.TrimSpace(s.Plugin); p != "" {
		creds.PluginName = p
		creds.PluginOpts = parsePluginOpts(s.PluginOpts)
	}

	return model.ServerDescriptor{
		Protocol:    model.ProtocolShadowsocks,
		Address:     strings.TrimSpace(s.Server),
		Port:        port,
		Credentials: creds,
		Tag:         strings.TrimSpace(s.Remarks),
	}, nil
}

func portToInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("server_port: %w", sub.ErrMissingField)
	case float64:
		p := int(t)
		if float64(p) != t || p < 1 || p > 65535 {
			return 0, fmt.Errorf("server_port %v: %w", t, sub.ErrOutOfRange)
		}
		return p, nil
	case string:
		p, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil || p < 1 || p > 65535 {
			return 0, fmt.Errorf("server_port %q: %w", t, sub.ErrOutOfRange)
		}
		return p, nil
	default:
		return 0, fmt.Errorf("server_port type: %w", sub.ErrOutOfRange)
	}
}

// parsePluginOpts splits a SIP003 option string ("obfs=tls;obfs-host=x").
// Segments without '=' are value-less flags and keep an empty value.
func parsePluginOpts(s string) []model.KV {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	segs := strings.Split(s, ";")
	out := make([]model.KV, 0, len(segs))
	for _, seg := range segs {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		out = append(out, model.KV{Key: strings.TrimSpace(k), Value: v})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
