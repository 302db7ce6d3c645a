package models

import "encoding/json"

// OpenRTBRequest is the subset of an OpenRTB 2.5 bid request the fetch
// collaborator sends to an ad server's /ad endpoint.
type OpenRTBRequest struct {
	ID   string       `json:"id"`  // request id, echoed back in the response
	Imp  []Impression `json:"imp"` // always exactly one impression per slot load
	App  *App         `json:"app,omitempty"`
	User User         `json:"user"`
	Regs *Regs        `json:"regs,omitempty"`
	Ext  RequestExt   `json:"ext,omitempty"`
}

// Impression describes the slot being filled.
type Impression struct {
	ID    string `json:"id"`
	TagID string `json:"tagid"` // ad unit id
	W     int    `json:"w,omitempty"`
	H     int    `json:"h,omitempty"`
	// Instl is 1 for full-screen formats.
	Instl int `json:"instl,omitempty"`
	// Rwdd is 1 for rewarded formats.
	Rwdd int                    `json:"rwdd,omitempty"`
	Ext  map[string]interface{} `json:"ext,omitempty"`
}

// App carries the keywords of the requesting app.
type App struct {
	Keywords string `json:"keywords,omitempty"`
}

// User identifies the user for server-side reward verification.
type User struct {
	ID         string `json:"id,omitempty"`
	CustomData string `json:"customdata,omitempty"`
}

// Regs carries the privacy signals. GDPR is 1 when consent was given and 0
// when refused; nil means unknown.
type Regs struct {
	COPPA     int    `json:"coppa,omitempty"`
	GDPR      *int   `json:"gdpr,omitempty"`
	USPrivacy string `json:"us_privacy,omitempty"`
}

// RequestExt holds extension fields.
type RequestExt struct {
	// NetworkExtras maps a network tag to its scalar extras bundle.
	NetworkExtras map[string]map[string]ScalarValue `json:"network_extras,omitempty"`
	RequestAgent  string                            `json:"request_agent,omitempty"`
	Format        Format                            `json:"format,omitempty"`
}

// OpenRTBResponse is the ad server's answer.
type OpenRTBResponse struct {
	ID      string    `json:"id"`
	SeatBid []SeatBid `json:"seatbid"`
	// Nbr is the no-bid reason, set when no ad is served.
	Nbr int `json:"nbr,omitempty"`
}

// SeatBid is a container for bids.
type SeatBid struct {
	Seat string `json:"seat,omitempty"`
	Bid  []Bid  `json:"bid"`
}

// Bid is the served creative.
type Bid struct {
	ID    string  `json:"id"`
	ImpID string  `json:"impid"`
	CrID  string  `json:"crid"`
	CID   string  `json:"cid"`
	Adm   string  `json:"adm"`
	Price float64 `json:"price"`
	W     int     `json:"w,omitempty"`
	H     int     `json:"h,omitempty"`
	// ImpURL and ClickURL are tracking beacons fired by the renderer.
	ImpURL   string          `json:"impurl,omitempty"`
	ClickURL string          `json:"clkurl,omitempty"`
	Ext      json.RawMessage `json:"ext,omitempty"`
}

// FirstBid returns the first bid of the response, if any.
func (r OpenRTBResponse) FirstBid() (Bid, bool) {
	for _, sb := range r.SeatBid {
		if len(sb.Bid) > 0 {
			return sb.Bid[0], true
		}
	}
	return Bid{}, false
}
