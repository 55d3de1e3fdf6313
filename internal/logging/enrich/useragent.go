// Package enrich resolves the device and network metadata attached to every
// accepted record.
package enrich

import (
	"encoding/json"

	"github.com/mssola/useragent"
)

type nameVersion struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type device struct {
	Model  string `json:"model,omitempty"`
	Mobile bool   `json:"mobile"`
	Bot    bool   `json:"bot"`
}

type userAgentInfo struct {
	UA       string      `json:"ua"`
	Browser  nameVersion `json:"browser"`
	Engine   nameVersion `json:"engine"`
	OS       nameVersion `json:"os"`
	Platform string      `json:"platform,omitempty"`
	Device   device      `json:"device"`
}

// ParseUserAgent parses a raw User-Agent header and returns its structured
// form serialized as JSON. An empty input yields an empty string.
func ParseUserAgent(raw string) string {
	if raw == "" {
		return ""
	}

	ua := useragent.New(raw)
	info := userAgentInfo{
		UA:       raw,
		Platform: ua.Platform(),
		Device: device{
			Model:  ua.Model(),
			Mobile: ua.Mobile(),
			Bot:    ua.Bot(),
		},
	}
	info.Browser.Name, info.Browser.Version = ua.Browser()
	info.Engine.Name, info.Engine.Version = ua.Engine()
	osInfo := ua.OSInfo()
	info.OS = nameVersion{Name: osInfo.Name, Version: osInfo.Version}

	data, err := json.Marshal(info)
	if err != nil {
		return raw
	}
	return string(data)
}
