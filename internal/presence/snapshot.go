package presence

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

// ClientObservation is an online wireless client as seen in one poll.
type ClientObservation struct {
	MAC            MAC    `json:"mac"`
	Name           string `json:"name"`
	RSSI           int    `json:"rssi"`
	SignalPercent  int    `json:"signal_percent"`
	AccessPointMAC *MAC   `json:"access_point_mac"`
	ESSID          string `json:"essid"`
	RoamCount      int    `json:"roam_count"`
	RadioProto     string `json:"radio_proto"`
	IdleSeconds    *int   `json:"idle_seconds"`
	IsGuest        bool   `json:"is_guest"`
	UserGroupName  string `json:"user_group"`
}

// Population is the set of online wireless clients from one poll.
type Population struct {
	Clients    map[MAC]ClientObservation
	ObservedAt time.Time
}

func (p *Population) lookup(mac MAC) (ClientObservation, bool) {
	if p == nil {
		return ClientObservation{}, false
	}
	obs, ok := p.Clients[mac]
	return obs, ok
}

// GroupResolver resolves user group ids to names.
type GroupResolver interface {
	GroupName(id string) string
}

// BuildPopulation converts raw client records into a Population. Wired
// clients and records with an invalid MAC are dropped. A MAC appearing
// more than once keeps its last record.
func BuildPopulation(records []unifi.ClientRecord, groups GroupResolver, now time.Time, logger zerolog.Logger) *Population {
	pop := &Population{
		Clients:    make(map[MAC]ClientObservation, len(records)),
		ObservedAt: now,
	}

	for _, rec := range records {
		if rec.IsWired {
			continue
		}

		mac, err := ParseMAC(rec.MAC)
		if err != nil {
			logger.Debug().Err(err).Str("name", rec.DisplayName()).Msg("ignoring client with invalid MAC")
			continue
		}

		obs := ClientObservation{
			MAC:           mac,
			Name:          rec.DisplayName(),
			RSSI:          ReportedRSSI(rec.RSSI),
			SignalPercent: SignalPercent(rec.RSSI),
			ESSID:         rec.ESSID,
			RoamCount:     rec.RoamCount,
			RadioProto:    rec.RadioProto,
			IdleSeconds:   rec.IdleTime,
			IsGuest:       rec.IsGuest,
			UserGroupName: groups.GroupName(rec.UserGroupID),
		}
		if rec.APMAC != "" {
			if ap, err := ParseMAC(rec.APMAC); err == nil {
				obs.AccessPointMAC = &ap
			}
		}

		pop.Clients[mac] = obs
	}

	return pop
}
