package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/patrickwarner/adslot/internal/models"

	"github.com/google/uuid"
)

// TestAdHandler answers POST /test/ad with a fixed creative sized to the
// impression. Pointing FETCH_BASE_URL at <daemon>/test makes the daemon its
// own ad server, which is handy for demos and the traffic simulator.
func (s *Server) TestAdHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OpenRTBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid bid request", http.StatusBadRequest)
		return
	}
	if len(req.Imp) == 0 {
		http.Error(w, "bid request has no impression", http.StatusBadRequest)
		return
	}
	imp := req.Imp[0]
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.OpenRTBResponse{
		ID: req.ID,
		SeatBid: []models.SeatBid{{
			Seat: "test",
			Bid: []models.Bid{{
				ID:    uuid.NewString(),
				ImpID: imp.ID,
				CrID:  "test-creative",
				Adm:   fmt.Sprintf("<div>Test Creative for %s</div>", imp.TagID),
				Price: 1.75,
				W:     imp.W,
				H:     imp.H,
			}},
		}},
	})
}
