// Package urilist parses plain-text link lists: one proxy URI per line in
// one of the ss/vmess/vless/trojan schemes. Lines with an unknown scheme are
// kept as entries that fail normalization individually, so a subscription
// carrying protocols newer than this converter degrades instead of dying.
package urilist

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/subpipe/internal/detect"
	"github.com/John-Robertt/subpipe/internal/model"
	"github.com/John-Robertt/subpipe/internal/sub"
)

type Parser struct{}

func New() *Parser { return &Parser{} }

func (*Parser) Format() detect.Format { return detect.FormatURIList }

func (*Parser) Parse(source string, data []byte) ([]sub.RawEntry, error) {
	if !utf8.Valid(data) {
		return nil, sub.NewParseError(source, 0, "", "订阅不是合法 UTF-8 文本", "", nil)
	}
	s := strings.TrimSpace(string(detect.StripBOM(data)))
	if s == "" {
		return nil, sub.NewParseError(source, 0, "", "订阅内容为空", "", nil)
	}

	lines := strings.Split(s, "\n")
	out := make([]sub.RawEntry, 0, len(lines))
	for i, line := range lines {
		lineNo := i + 1
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > sub.MaxLineLen {
			return nil, sub.NewParseError(source, lineNo, sub.TruncateSnippet(line, 200),
				fmt.Sprintf("订阅行过长（>%d bytes）", sub.MaxLineLen), "", nil)
		}

		scheme, _, ok := strings.Cut(line, "://")
		if !ok || !validScheme(scheme) {
			return nil, sub.NewParseError(source, lineNo, sub.TruncateSnippet(line, 200),
				"订阅行不是 scheme://... 形式的代理链接", "expected: ss:// vmess:// vless:// trojan://", nil)
		}

		if len(out) >= sub.MaxEntries {
			return nil, sub.NewParseError(source, lineNo, "",
				fmt.Sprintf("订阅节点数量超过上限（>%d）", sub.MaxEntries), "", nil)
		}
		out = append(out, parseLine(strings.ToLower(scheme), line, lineNo))
	}
	if len(out) == 0 {
		return nil, sub.NewParseError(source, 0, "", "订阅中没有任何可用节点", "", nil)
	}
	return out, nil
}

func validScheme(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// parseLine never fails the document: syntactic failures become a badEntry
// that surfaces as a per-entry diagnostic during normalization.
func parseLine(scheme, line string, lineNo int) sub.RawEntry {
	switch scheme {
	case "ss":
		e, err := parseSS(line, lineNo)
		if err != nil {
			return &badEntry{line: lineNo, snippet: sub.TruncateSnippet(line, 200), err: err}
		}
		return e
	case "vmess":
		e, err := parseVMess(line, lineNo)
		if err != nil {
			return &badEntry{line: lineNo, snippet: sub.TruncateSnippet(line, 200), err: err}
		}
		return e
	case "vless", "trojan":
		e, err := parseURLScheme(scheme, line, lineNo)
		if err != nil {
			return &badEntry{line: lineNo, snippet: sub.TruncateSnippet(line, 200), err: err}
		}
		return e
	default:
		return &unknownEntry{scheme: scheme, line: lineNo, snippet: sub.TruncateSnippet(line, 200)}
	}
}

// badEntry is a syntactically broken line of a known scheme.
type badEntry struct {
	line    int
	snippet string
	err     error
}

func (e *badEntry) Pos() (int, string) { return e.line, e.snippet }

func (e *badEntry) Descriptor() (model.ServerDescriptor, error) {
	return model.ServerDescriptor{}, e.err
}

// unknownEntry is a well-formed URI of a scheme this converter does not know.
type unknownEntry struct {
	scheme  string
	line    int
	snippet string
}

func (e *unknownEntry) Pos() (int, string) { return e.line, e.snippet }

func (e *unknownEntry) Descriptor() (model.ServerDescriptor, error) {
	return model.ServerDescriptor{}, fmt.Errorf("scheme %q: %w", e.scheme, sub.ErrUnknownProtocol)
}

// linkEntry is a syntactically parsed proxy link. Field semantics (ranges,
// required fields) are checked in Descriptor so a single bad value drops one
// entry instead of the whole source.
type linkEntry struct {
	lineNo  int
	snippet string

	scheme string
	name   string
	host   string
	port   string

	// ss
	cipher     string
	password   string
	pluginName string
	pluginOpts []model.KV

	// vmess / vless
	uuid    string
	alterID string
	flow    string

	security string
	sni      string
	alpn     []string
	insecure bool
	fp       string
	pbk      string
	sid      string
	spx      string

	network     string
	path        string
	hostHeader  string
	serviceName string
}

func (e *linkEntry) Pos() (int, string) { return e.lineNo, e.snippet }

func (e *linkEntry) Descriptor() (model.ServerDescriptor, error) {
	proto, ok := model.ParseProtocol(e.scheme)
	if !ok {
		return model.ServerDescriptor{}, fmt.Errorf("scheme %q: %w", e.scheme, sub.ErrUnknownProtocol)
	}
	if e.host == "" {
		return model.ServerDescriptor{}, fmt.Errorf("server address: %w", sub.ErrMissingField)
	}
	if e.port == "" {
		return model.ServerDescriptor{}, fmt.Errorf("server port: %w", sub.ErrMissingField)
	}
	port, err := strconv.Atoi(e.port)
	if err != nil || port < 1 || port > 65535 {
		return model.ServerDescriptor{}, fmt.Errorf("port %q: %w", e.port, sub.ErrOutOfRange)
	}
	for _, field := range []string{e.name, e.password, e.uuid, e.path, e.sni} {
		if len(field) > sub.MaxFieldLen {
			return model.ServerDescriptor{}, fmt.Errorf("field longer than %d bytes: %w", sub.MaxFieldLen, sub.ErrOutOfRange)
		}
	}

	d := model.ServerDescriptor{
		Protocol: proto,
		Address:  e.host,
		Port:     port,
		Tag:      e.name,
	}

	switch proto {
	case model.ProtocolShadowsocks:
		if e.cipher == "" || e.password == "" {
			return model.ServerDescriptor{}, fmt.Errorf("cipher/password: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{
			Cipher:     strings.ToLower(e.cipher),
			Password:   e.password,
			PluginName: e.pluginName,
			PluginOpts: e.pluginOpts,
		}
	case model.ProtocolVMess:
		if e.uuid == "" {
			return model.ServerDescriptor{}, fmt.Errorf("vmess id: %w", sub.ErrMissingField)
		}
		alterID := 0
		if e.alterID != "" {
			alterID, err = strconv.Atoi(e.alterID)
			if err != nil || alterID < 0 {
				return model.ServerDescriptor{}, fmt.Errorf("vmess aid %q: %w", e.alterID, sub.ErrOutOfRange)
			}
		}
		d.Credentials = model.Credentials{UUID: e.uuid, AlterID: alterID}
	case model.ProtocolVLESS:
		if e.uuid == "" {
			return model.ServerDescriptor{}, fmt.Errorf("vless id: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{UUID: e.uuid, Flow: e.flow}
	case model.ProtocolTrojan:
		if e.password == "" {
			return model.ServerDescriptor{}, fmt.Errorf("trojan password: %w", sub.ErrMissingField)
		}
		d.Credentials = model.Credentials{Password: e.password}
	}

	d.TLS = e.tlsParams()
	d.Transport = e.transportParams()
	return d, nil
}

func (e *linkEntry) tlsParams() *model.TLSParams {
	switch e.security {
	case "tls":
		return &model.TLSParams{SNI: e.sni, ALPN: e.alpn, Insecure: e.insecure}
	case "reality":
		return &model.TLSParams{
			SNI: e.sni,
			Reality: &model.RealityParams{
				PublicKey:   e.pbk,
				ShortID:     e.sid,
				SpiderX:     e.spx,
				Fingerprint: e.fp,
			},
		}
	default:
		return nil
	}
}

func (e *linkEntry) transportParams() *model.TransportParams {
	network := e.network
	// httpupgrade is wire-compatible with ws for every supported target.
	if network == "httpupgrade" {
		network = "ws"
	}
	switch network {
	case "ws":
		return &model.TransportParams{Network: "ws", Path: e.path, Host: e.hostHeader}
	case "grpc":
		return &model.TransportParams{Network: "grpc", ServiceName: e.serviceName}
	default:
		return nil
	}
}

// ---- ss:// ----
//
// Two SIP002 layouts are accepted:
//
//	Form A: ss://<b64(method:password)>@host:port[/][?plugin=...][#name]
//	Form B: ss://<b64(method:password@host:port)>[#name]
func parseSS(line string, lineNo int) (*linkEntry, error) {
	e := &linkEntry{scheme: "ss", lineNo: lineNo, snippet: sub.TruncateSnippet(line, 200)}

	withoutFrag, frag, hasFrag := strings.Cut(line, "#")
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			return nil, fmt.Errorf("节点名称 URL 解码失败: %w", err)
		}
		name := strings.TrimSpace(decoded)
		if sub.HasControlChars(name) {
			return nil, fmt.Errorf("节点名称包含非法控制字符")
		}
		e.name = name
	}

	withoutQuery, query, hasQuery := strings.Cut(withoutFrag, "?")
	if hasQuery {
		if err := e.parseSSQuery(query); err != nil {
			return nil, err
		}
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return nil, fmt.Errorf("ss:// 后缺少内容")
	}

	if userB64, hostPart, ok := strings.Cut(rest, "@"); ok && userB64 != "" && hostPart != "" {
		// Form A.
		hostPort := hostPart
		if idx := strings.IndexByte(hostPort, '/'); idx >= 0 {
			if hostPort[idx:] != "/" {
				return nil, fmt.Errorf("ss uri path 不支持（仅允许空或 /）")
			}
			hostPort = hostPort[:idx]
		}
		method, password, err := decodeMethodPassword(userB64)
		if err != nil {
			return nil, fmt.Errorf("ss userinfo base64 解码失败: %w", err)
		}
		host, port, err := splitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("服务器地址或端口不合法: %w", err)
		}
		e.cipher, e.password, e.host, e.port = method, password, host, port
		return e, nil
	}

	// Form B.
	decoded, err := sub.DecodeBase64(rest)
	if err != nil {
		return nil, fmt.Errorf("ss base64 解码失败: %w", err)
	}
	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("ss base64 解码结果不是合法 UTF-8")
	}
	body := string(decoded)
	at := strings.LastIndex(body, "@")
	if at < 0 {
		return nil, fmt.Errorf("ss base64 解码结果缺少 @ 分隔符")
	}
	method, password, err := splitMethodPassword(body[:at])
	if err != nil {
		return nil, err
	}
	host, port, err := splitHostPort(body[at+1:])
	if err != nil {
		return nil, fmt.Errorf("服务器地址或端口不合法: %w", err)
	}
	e.cipher, e.password, e.host, e.port = method, password, host, port
	return e, nil
}

// parseSSQuery parses the SIP002 query manually: net/url.ParseQuery rejects
// the unencoded semicolons SIP002 plugin values use.
func (e *linkEntry) parseSSQuery(query string) error {
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			return fmt.Errorf("query 参数必须是 key=value 形式")
		}
		k, err := url.PathUnescape(kRaw)
		if err != nil {
			return fmt.Errorf("query 参数解码失败: %w", err)
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return fmt.Errorf("query 参数解码失败: %w", err)
		}
		if k != "plugin" {
			// Ignore unknown params: subscriptions add vendor extensions here.
			continue
		}
		if e.pluginName != "" {
			return fmt.Errorf("重复的 plugin 参数")
		}
		segs := strings.Split(v, ";")
		name := strings.TrimSpace(segs[0])
		if name == "" {
			return fmt.Errorf("plugin 名称不能为空")
		}
		e.pluginName = name
		for _, seg := range segs[1:] {
			if seg == "" {
				continue
			}
			optKey, optVal, hasKV := strings.Cut(seg, "=")
			if !hasKV {
				return fmt.Errorf("plugin 选项必须是 k=v 形式")
			}
			key := strings.TrimSpace(optKey)
			if key == "" {
				return fmt.Errorf("plugin 选项 key 不能为空")
			}
			e.pluginOpts = append(e.pluginOpts, model.KV{Key: key, Value: optVal})
		}
	}
	return nil
}

func decodeMethodPassword(userB64 string) (string, string, error) {
	decoded, err := sub.DecodeBase64(userB64)
	if err != nil {
		return "", "", err
	}
	if !utf8.Valid(decoded) {
		return "", "", fmt.Errorf("decoded method:password is not valid utf-8")
	}
	return splitMethodPassword(string(decoded))
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", fmt.Errorf("缺少 cipher:password")
	}
	method := strings.TrimSpace(s[:colon])
	password := strings.TrimSpace(s[colon+1:])
	if method == "" || password == "" {
		return "", "", fmt.Errorf("cipher 或 password 不能为空")
	}
	if sub.HasControlChars(method) || sub.HasControlChars(password) {
		return "", "", fmt.Errorf("cipher 或 password 包含非法控制字符")
	}
	return method, password, nil
}

func splitHostPort(s string) (string, string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", "", err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", "", fmt.Errorf("empty host")
	}
	return host, strings.TrimSpace(port), nil
}

// ---- vmess:// ----
//
// The payload is base64-wrapped JSON. Field types are sloppy in the wild
// (port and aid arrive as string or number), so numeric fields decode via
// any and are stringified.
type vmessJSON struct {
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port any    `json:"port"`
	ID   string `json:"id"`
	Aid  any    `json:"aid"`
	Net  string `json:"net"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
	ALPN string `json:"alpn"`
}

func parseVMess(line string, lineNo int) (*linkEntry, error) {
	b64 := strings.TrimPrefix(line, "vmess://")
	raw, err := sub.DecodeBase64(b64)
	if err != nil {
		if unescaped, uerr := url.PathUnescape(b64); uerr == nil {
			raw, err = sub.DecodeBase64(unescaped)
		}
		if err != nil {
			return nil, fmt.Errorf("vmess base64 解码失败: %w", err)
		}
	}

	var m vmessJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("vmess JSON 解析失败: %w", err)
	}

	name := strings.TrimSpace(m.PS)
	if sub.HasControlChars(name) {
		return nil, fmt.Errorf("节点名称包含非法控制字符")
	}

	e := &linkEntry{
		scheme:     "vmess",
		lineNo:     lineNo,
		snippet:    sub.TruncateSnippet(line, 200),
		name:       name,
		host:       strings.TrimSpace(m.Add),
		port:       anyToString(m.Port),
		uuid:       strings.TrimSpace(m.ID),
		alterID:    anyToString(m.Aid),
		network:    strings.ToLower(strings.TrimSpace(m.Net)),
		hostHeader: strings.TrimSpace(m.Host),
		path:       m.Path,
		sni:        strings.TrimSpace(m.SNI),
	}
	if strings.EqualFold(strings.TrimSpace(m.TLS), "tls") {
		e.security = "tls"
		if m.ALPN != "" {
			e.alpn = splitALPN(m.ALPN)
		}
	}
	return e, nil
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ---- vless:// and trojan:// ----
func parseURLScheme(scheme, line string, lineNo int) (*linkEntry, error) {
	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%s uri 解析失败: %w", scheme, err)
	}

	name := strings.TrimSpace(u.Fragment)
	if sub.HasControlChars(name) {
		return nil, fmt.Errorf("节点名称包含非法控制字符")
	}

	q := u.Query()
	e := &linkEntry{
		scheme:      scheme,
		lineNo:      lineNo,
		snippet:     sub.TruncateSnippet(line, 200),
		name:        name,
		host:        u.Hostname(),
		port:        u.Port(),
		security:    strings.ToLower(q.Get("security")),
		sni:         q.Get("sni"),
		fp:          q.Get("fp"),
		pbk:         q.Get("pbk"),
		sid:         q.Get("sid"),
		spx:         q.Get("spx"),
		flow:        q.Get("flow"),
		network:     strings.ToLower(q.Get("type")),
		path:        q.Get("path"),
		hostHeader:  q.Get("host"),
		serviceName: q.Get("serviceName"),
	}
	if a := q.Get("alpn"); a != "" {
		e.alpn = splitALPN(a)
	}
	if v := q.Get("allowInsecure"); v == "1" || strings.EqualFold(v, "true") {
		e.insecure = true
	}

	switch scheme {
	case "vless":
		e.uuid = u.User.Username()
	case "trojan":
		e.password = u.User.Username()
		// trojan is TLS by definition; an explicit security=none opts out.
		if e.security == "" {
			e.security = "tls"
		}
	}
	return e, nil
}

func splitALPN(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
