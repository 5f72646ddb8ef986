package domain

import "time"

// Snapshot — единый сериализуемый документ состояния оркестратора.
type Snapshot struct {
	Bots          map[string]*BotInstance   `json:"bots"`
	Deployments   map[string]*Deployment    `json:"deployments"`
	HealthHistory map[string][]HealthSample `json:"healthHistory"`
	Alerts        map[string]*Alert         `json:"alerts"`
	Recoveries    map[string]*Recovery      `json:"recoveries"`
	Priority      map[string]*PriorityState `json:"priority"`
	LastSync      *time.Time                `json:"lastSync"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Bots:          make(map[string]*BotInstance),
		Deployments:   make(map[string]*Deployment),
		HealthHistory: make(map[string][]HealthSample),
		Alerts:        make(map[string]*Alert),
		Recoveries:    make(map[string]*Recovery),
		Priority:      make(map[string]*PriorityState),
	}
}

type Dashboard struct {
	Registry map[string]*BotInstance `json:"registry"`
	State    *Snapshot               `json:"state"`
	Summary  FleetSummary            `json:"summary"`
	Alerts   []*Alert                `json:"alerts"`
	Metrics  SystemMetrics           `json:"metrics"`
}

type FleetSummary struct {
	TotalBots     int       `json:"totalBots"`
	HealthyBots   int       `json:"healthyBots"`
	DegradedBots  int       `json:"degradedBots"`
	CriticalBots  int       `json:"criticalBots"`
	AverageHealth int       `json:"averageHealth"`
	LastUpdate    time.Time `json:"lastUpdate"`
}

type SystemMetrics struct {
	UptimeSeconds    float64 `json:"uptime"`
	MemoryRSSBytes   uint64  `json:"memoryRss"`
	CPUPercent       float64 `json:"cpuPercent"`
	Goroutines       int     `json:"goroutines"`
	ManagedBots      int     `json:"managed_bots"`
	DeploymentsToday int     `json:"deployments_today"`
}
