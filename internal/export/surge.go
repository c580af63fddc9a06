package export

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/subpipe/internal/model"
)

// Surge exports the `[Proxy]` section of a Surge configuration. Surge's line
// grammar understands shadowsocks and trojan; a vmess or vless descriptor in
// the final set is an export error, not a silent drop.
type Surge struct{}

func (Surge) Target() Target { return TargetSurge }

func (Surge) Postprocess(ds []model.ServerDescriptor) ([]model.ServerDescriptor, error) {
	out := make([]model.ServerDescriptor, 0, len(ds))
	for _, d := range uniqueTags(ds) {
		// '=' and ',' structure the Surge line; strip them from names here
		// so Export never has to reject a name it cannot represent.
		d.Tag = strings.Map(func(r rune) rune {
			if r == '=' || r == ',' || r == '"' {
				return '-'
			}
			return r
		}, d.Tag)
		out = append(out, d)
	}
	return out, nil
}

func (Surge) Export(ds []model.ServerDescriptor) ([]byte, error) {
	lines := make([]string, 0, len(ds)+1)
	lines = append(lines, "[Proxy]")
	for _, d := range ds {
		line, err := surgeLine(d)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func surgeLine(d model.ServerDescriptor) (string, error) {
	switch d.Protocol {
	case model.ProtocolShadowsocks:
		line := fmt.Sprintf("%s = ss, %s, %d, encrypt-method=%s, password=%s",
			d.Tag, d.Address, d.Port, strings.ToLower(d.Credentials.Cipher), d.Credentials.Password)
		if d.Credentials.PluginName != "" {
			mode, host, err := surgeObfs(d)
			if err != nil {
				return "", err
			}
			line += ", obfs=" + mode
			if host != "" {
				line += ", obfs-host=" + host
			}
		}
		return line, nil
	case model.ProtocolTrojan:
		line := fmt.Sprintf("%s = trojan, %s, %d, password=%s",
			d.Tag, d.Address, d.Port, d.Credentials.Password)
		if t := d.TLS; t != nil {
			if t.SNI != "" {
				line += ", sni=" + t.SNI
			}
			if t.Insecure {
				line += ", skip-cert-verify=true"
			}
		}
		if tr := d.Transport; tr != nil && tr.Network == "ws" {
			line += ", ws=true"
			if tr.Path != "" {
				line += ", ws-path=" + tr.Path
			}
		}
		return line, nil
	default:
		return "", newExportError(model.StageExport, model.CodeUnsupportedProto,
			fmt.Sprintf("Surge 不支持 %s 节点：%s", d.Protocol, d.Tag), string(d.Protocol), nil)
	}
}

// surgeObfs maps the SIP003 simple-obfs plugin onto Surge's obfs fields.
// Other plugins have no Surge equivalent.
func surgeObfs(d model.ServerDescriptor) (mode, host string, err error) {
	c := d.Credentials
	if c.PluginName != "simple-obfs" && c.PluginName != "obfs-local" {
		return "", "", newExportError(model.StageExport, model.CodeUnsupportedProto,
			fmt.Sprintf("Surge 不支持的 SS plugin：%s", c.PluginName), c.PluginName, nil)
	}
	for _, kv := range c.PluginOpts {
		switch strings.TrimSpace(kv.Key) {
		case "obfs":
			mode = strings.TrimSpace(kv.Value)
		case "obfs-host":
			host = strings.TrimSpace(kv.Value)
		}
	}
	if mode == "" {
		return "", "", newExportError(model.StageExport, model.CodeUnsupportedProto,
			"simple-obfs/obfs-local 缺少必需选项 obfs=<mode>", c.PluginName, nil)
	}
	return mode, host, nil
}
