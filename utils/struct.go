package utils

type HarukiSekaiServerRegion string

const (
	HarukiSekaiServerRegionJP HarukiSekaiServerRegion = "jp"
	HarukiSekaiServerRegionEN HarukiSekaiServerRegion = "en"
	HarukiSekaiServerRegionTW HarukiSekaiServerRegion = "tw"
	HarukiSekaiServerRegionKR HarukiSekaiServerRegion = "kr"
	HarukiSekaiServerRegionCN HarukiSekaiServerRegion = "cn"
)

func ParseSekaiServerRegion(s string) (HarukiSekaiServerRegion, error) {
	switch HarukiSekaiServerRegion(s) {
	case HarukiSekaiServerRegionJP,
		HarukiSekaiServerRegionEN,
		HarukiSekaiServerRegionTW,
		HarukiSekaiServerRegionKR,
		HarukiSekaiServerRegionCN:
		return HarukiSekaiServerRegion(s), nil
	default:
		return "", NewInvalidServerRegionError(s)
	}
}

// IsCP reports whether the region speaks the Colorful Palette dialect
// (JWT credentials, suite-master split paths). The remaining regions
// speak the Nuverse dialect.
func (r HarukiSekaiServerRegion) IsCP() bool {
	return r == HarukiSekaiServerRegionJP || r == HarukiSekaiServerRegionEN
}

type HarukiSekaiAPIEndpointType string

const (
	HarukiSekaiAPIEndpointTypeAPI   HarukiSekaiAPIEndpointType = "api"
	HarukiSekaiAPIEndpointTypeImage HarukiSekaiAPIEndpointType = "image"
)

type HarukiSekaiAppHashSourceType string

const (
	HarukiSekaiAppHashSourceTypeFile HarukiSekaiAppHashSourceType = "file"
	HarukiSekaiAppHashSourceTypeUrl  HarukiSekaiAppHashSourceType = "url"
)

type HarukiSekaiAppHashSource struct {
	Type HarukiSekaiAppHashSourceType `json:"type" yaml:"type"`
	Dir  string                       `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL  string                       `json:"url,omitempty" yaml:"url,omitempty"`
}

type HarukiAssetUpdaterInfo struct {
	URL           string `json:"url" yaml:"url"`
	Authorization string `json:"authorization,omitempty" yaml:"authorization,omitempty"`
}

type HarukiSekaiAppInfo struct {
	AppVersion string `json:"appVersion"`
	AppHash    string `json:"appHash"`
}
