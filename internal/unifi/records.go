package unifi

// Record types decoded from the controller's {"meta":..., "data":[...]}
// envelope. Only fields used for presence tracking are included.

// ClientRecord is a station from stat/sta.
type ClientRecord struct {
	MAC         string  `json:"mac"`
	Name        string  `json:"name"`
	Hostname    string  `json:"hostname"`
	RSSI        float64 `json:"rssi"`   // Signal above noise floor, 0-100ish.
	Signal      int     `json:"signal"` // dBm as reported by the AP.
	APMAC       string  `json:"ap_mac"`
	ESSID       string  `json:"essid"`
	RoamCount   int     `json:"roam_count"`
	RadioProto  string  `json:"radio_proto"`
	IdleTime    *int    `json:"idletime"`
	IsGuest     bool    `json:"is_guest"`
	IsWired     bool    `json:"is_wired"`
	UserGroupID string  `json:"usergroup_id"`
	LastSeen    int64   `json:"last_seen"`
}

// DisplayName returns the user assigned name, falling back to the hostname.
func (c ClientRecord) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Hostname
}

// DeviceRecord is a network device from stat/device.
type DeviceRecord struct {
	ID      string `json:"_id"`
	MAC     string `json:"mac"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	Type    string `json:"type"` // uap, usw, ugw, ...
	IP      string `json:"ip"`
	State   int    `json:"state"`
	Adopted bool   `json:"adopted"`
}

// IsAccessPoint reports whether the device is an adopted wireless access point.
func (d DeviceRecord) IsAccessPoint() bool {
	return d.Adopted && d.Type == "uap"
}

// UserGroupRecord is an entry from list/usergroup.
type UserGroupRecord struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	SiteID string `json:"site_id"`
}

// UserRecord is a known client from stat/alluser.
type UserRecord struct {
	ID          string `json:"_id"`
	MAC         string `json:"mac"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	IsWired     bool   `json:"is_wired"`
	IsGuest     bool   `json:"is_guest"`
	UserGroupID string `json:"usergroup_id"`
	FirstSeen   int64  `json:"first_seen"`
	LastSeen    int64  `json:"last_seen"`
}

// DisplayName returns the user assigned name, falling back to the hostname.
func (u UserRecord) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Hostname
}

// Site is an entry from /api/self/sites.
type Site struct {
	ID   string `json:"_id"`
	Name string `json:"name"` // Short name used in API paths.
	Desc string `json:"desc"`
	Role string `json:"role,omitempty"`
}

type meta struct {
	RC  string `json:"rc"`
	Msg string `json:"msg,omitempty"`
}

type envelope[T any] struct {
	Meta meta `json:"meta"`
	Data []T  `json:"data"`
}
