package contracts

import (
	"time"

	"github.com/wonny/usef/backend/internal/ptu"
	"github.com/wonny/usef/backend/internal/reconcile"
)

// Udi is a flexibility providing device registered in the portfolio
type Udi struct {
	Endpoint          string `json:"endpoint"`
	ConnectionGroupID string `json:"connection_group"`
	DtuSize           int    `json:"dtu_size"` // minutes
}

// UdiForecast is the per-DTU forecast of one UDI for one day
type UdiForecast struct {
	Endpoint string                       `json:"endpoint"`
	Period   ptu.Date                     `json:"period"`
	Dtus     map[int]*reconcile.PowerData `json:"dtus"`
}

// PortfolioSnapshot is the re-optimized per-PTU forecast of a connection group
type PortfolioSnapshot struct {
	ConnectionGroupID string                       `json:"connection_group"`
	Period            ptu.Date                     `json:"period"`
	Ptus              map[int]*reconcile.PowerData `json:"ptus"`
	CreatedAt         time.Time                    `json:"created_at"`
}
