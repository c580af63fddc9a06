package export

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/John-Robertt/subpipe/internal/model"
)

//go:embed singbox.schema.json
var singboxSchemaJSON []byte

var (
	singboxOnce      sync.Once
	singboxSchema    *jsonschema.Schema
	singboxSchemaErr error
)

func compiledSingboxSchema() (*jsonschema.Schema, error) {
	singboxOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(singboxSchemaJSON))
		if err != nil {
			singboxSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("singbox.schema.json", doc); err != nil {
			singboxSchemaErr = err
			return
		}
		singboxSchema, singboxSchemaErr = c.Compile("singbox.schema.json")
	})
	return singboxSchema, singboxSchemaErr
}

type singboxTLS struct {
	Enabled    bool            `json:"enabled"`
	ServerName string          `json:"server_name,omitempty"`
	Insecure   bool            `json:"insecure,omitempty"`
	ALPN       []string        `json:"alpn,omitempty"`
	UTLS       *singboxUTLS    `json:"utls,omitempty"`
	Reality    *singboxReality `json:"reality,omitempty"`
}

type singboxUTLS struct {
	Enabled     bool   `json:"enabled"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type singboxReality struct {
	Enabled   bool   `json:"enabled"`
	PublicKey string `json:"public_key"`
	ShortID   string `json:"short_id,omitempty"`
}

type singboxTransport struct {
	Type        string            `json:"type"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
}

type singboxOutbound struct {
	Type       string            `json:"type"`
	Tag        string            `json:"tag"`
	Server     string            `json:"server"`
	ServerPort int               `json:"server_port"`
	Method     string            `json:"method,omitempty"`
	Password   string            `json:"password,omitempty"`
	UUID       string            `json:"uuid,omitempty"`
	AlterID    *int              `json:"alter_id,omitempty"`
	Flow       string            `json:"flow,omitempty"`
	Plugin     string            `json:"plugin,omitempty"`
	PluginOpts string            `json:"plugin_opts,omitempty"`
	TLS        *singboxTLS       `json:"tls,omitempty"`
	Transport  *singboxTransport `json:"transport,omitempty"`
}

type singboxDocument struct {
	Outbounds []singboxOutbound `json:"outbounds"`
}

// Singbox exports the sing-box outbounds JSON document, validated against the
// embedded schema before it is returned.
type Singbox struct{}

func (Singbox) Target() Target { return TargetSingbox }

func (Singbox) Postprocess(ds []model.ServerDescriptor) ([]model.ServerDescriptor, error) {
	// Outbound tags are sing-box routing identifiers; they must be unique.
	return uniqueTags(ds), nil
}

func (Singbox) Export(ds []model.ServerDescriptor) ([]byte, error) {
	doc := singboxDocument{Outbounds: make([]singboxOutbound, 0, len(ds))}
	for _, d := range ds {
		o := singboxOutbound{
			Type:       singboxType(d.Protocol),
			Tag:        d.Tag,
			Server:     strings.Trim(d.Address, "[]"),
			ServerPort: d.Port,
		}
		switch d.Protocol {
		case model.ProtocolShadowsocks:
			o.Method = strings.ToLower(d.Credentials.Cipher)
			o.Password = d.Credentials.Password
			o.Plugin = d.Credentials.PluginName
			o.PluginOpts = pluginOptsString(d.Credentials.PluginOpts)
		case model.ProtocolVMess:
			o.UUID = d.Credentials.UUID
			alterID := d.Credentials.AlterID
			o.AlterID = &alterID
		case model.ProtocolVLESS:
			o.UUID = d.Credentials.UUID
			o.Flow = d.Credentials.Flow
		case model.ProtocolTrojan:
			o.Password = d.Credentials.Password
		}
		if t := d.TLS; t != nil {
			tls := &singboxTLS{
				Enabled:    true,
				ServerName: t.SNI,
				Insecure:   t.Insecure,
				ALPN:       t.ALPN,
			}
			if t.Reality != nil {
				tls.Reality = &singboxReality{Enabled: true, PublicKey: t.Reality.PublicKey, ShortID: t.Reality.ShortID}
				if t.Reality.Fingerprint != "" {
					tls.UTLS = &singboxUTLS{Enabled: true, Fingerprint: t.Reality.Fingerprint}
				}
			}
			o.TLS = tls
		}
		if tr := d.Transport; tr != nil && tr.Network != "" && tr.Network != "tcp" {
			t := &singboxTransport{Type: tr.Network}
			switch tr.Network {
			case "ws":
				t.Path = tr.Path
				if tr.Host != "" {
					t.Headers = map[string]string{"Host": tr.Host}
				}
			case "grpc":
				t.ServiceName = tr.ServiceName
			}
			o.Transport = t
		}
		doc.Outbounds = append(doc.Outbounds, o)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			"sing-box 文档序列化失败", "", err)
	}
	schema, err := compiledSingboxSchema()
	if err != nil {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			"sing-box schema 编译失败", "", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(out))
	if err != nil {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			"sing-box 文档无法重新解析", "", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, newExportError(model.StageExport, model.CodeSchemaViolation,
			"sing-box 文档未通过 schema 校验", "", err)
	}
	return out, nil
}

func singboxType(p model.Protocol) string {
	if p == model.ProtocolShadowsocks {
		return "shadowsocks"
	}
	return string(p)
}
