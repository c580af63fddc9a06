package export

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/subpipe/internal/model"
)

// clashProxy mirrors one element of the Clash `proxies` sequence. Field order
// here is the serialization order.
type clashProxy struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Cipher   string `yaml:"cipher,omitempty"`
	Password string `yaml:"password,omitempty"`
	UUID     string `yaml:"uuid,omitempty"`
	AlterID  *int   `yaml:"alterId,omitempty"`
	Flow     string `yaml:"flow,omitempty"`

	TLS            bool     `yaml:"tls,omitempty"`
	SNI            string   `yaml:"servername,omitempty"`
	SkipCertVerify bool     `yaml:"skip-cert-verify,omitempty"`
	ALPN           []string `yaml:"alpn,omitempty"`
	Fingerprint    string   `yaml:"client-fingerprint,omitempty"`

	Network  string            `yaml:"network,omitempty"`
	WSOpts   *clashWSOpts      `yaml:"ws-opts,omitempty"`
	GRPCOpts *clashGRPCOpts    `yaml:"grpc-opts,omitempty"`
	Reality  *clashRealityOpts `yaml:"reality-opts,omitempty"`

	Plugin     string            `yaml:"plugin,omitempty"`
	PluginOpts map[string]string `yaml:"plugin-opts,omitempty"`
}

type clashWSOpts struct {
	Path    string            `yaml:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type clashGRPCOpts struct {
	ServiceName string `yaml:"grpc-service-name,omitempty"`
}

type clashRealityOpts struct {
	PublicKey string `yaml:"public-key"`
	ShortID   string `yaml:"short-id,omitempty"`
}

type clashDocument struct {
	Proxies []clashProxy `yaml:"proxies"`
}

// Clash exports the Clash subscription YAML document.
type Clash struct{}

func (Clash) Target() Target { return TargetClash }

func (Clash) Postprocess(ds []model.ServerDescriptor) ([]model.ServerDescriptor, error) {
	// Clash requires unique, non-empty proxy names.
	return uniqueTags(ds), nil
}

func (Clash) Export(ds []model.ServerDescriptor) ([]byte, error) {
	doc := clashDocument{Proxies: make([]clashProxy, 0, len(ds))}
	for _, d := range ds {
		p := clashProxy{
			Name:   d.Tag,
			Type:   clashType(d.Protocol),
			Server: d.Address,
			Port:   d.Port,
		}
		switch d.Protocol {
		case model.ProtocolShadowsocks:
			p.Cipher = strings.ToLower(d.Credentials.Cipher)
			p.Password = d.Credentials.Password
			if d.Credentials.PluginName != "" {
				p.Plugin = d.Credentials.PluginName
				p.PluginOpts = make(map[string]string, len(d.Credentials.PluginOpts))
				for _, kv := range d.Credentials.PluginOpts {
					p.PluginOpts[kv.Key] = kv.Value
				}
			}
		case model.ProtocolVMess:
			p.UUID = d.Credentials.UUID
			alterID := d.Credentials.AlterID
			p.AlterID = &alterID
		case model.ProtocolVLESS:
			p.UUID = d.Credentials.UUID
			p.Flow = d.Credentials.Flow
		case model.ProtocolTrojan:
			p.Password = d.Credentials.Password
		}
		if t := d.TLS; t != nil {
			p.TLS = true
			p.SNI = t.SNI
			p.SkipCertVerify = t.Insecure
			p.ALPN = t.ALPN
			if t.Reality != nil {
				p.Reality = &clashRealityOpts{PublicKey: t.Reality.PublicKey, ShortID: t.Reality.ShortID}
				p.Fingerprint = t.Reality.Fingerprint
			}
		}
		if tr := d.Transport; tr != nil && tr.Network != "" && tr.Network != "tcp" {
			p.Network = tr.Network
			switch tr.Network {
			case "ws":
				ws := &clashWSOpts{Path: tr.Path}
				if tr.Host != "" {
					ws.Headers = map[string]string{"Host": tr.Host}
				}
				p.WSOpts = ws
			case "grpc":
				p.GRPCOpts = &clashGRPCOpts{ServiceName: tr.ServiceName}
			}
		}
		doc.Proxies = append(doc.Proxies, p)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			"clash 文档序列化失败", "", err)
	}
	// Round-trip check: the document must parse back as a proxies sequence
	// of the same length.
	var check clashDocument
	if err := yaml.Unmarshal(out, &check); err != nil || len(check.Proxies) != len(ds) {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			fmt.Sprintf("clash 文档校验失败：期望 %d 个节点", len(ds)), "", err)
	}
	return out, nil
}

func clashType(p model.Protocol) string {
	// The canonical enum value is already the Clash type name.
	return string(p)
}
