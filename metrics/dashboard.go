package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
)

// Dashboard is the admin console summary as of AsOf.
type Dashboard struct {
	AsOf             time.Time       `json:"as_of"`
	Customers        int             `json:"customers"`
	PendingPurchases int             `json:"pending_purchases"`
	PurchaseVolume   decimal.Decimal `json:"purchase_volume"`
	CashbackIssued   decimal.Decimal `json:"cashback_issued"`
	CashbackRedeemed decimal.Decimal `json:"cashback_redeemed"`
	Outstanding      decimal.Decimal `json:"outstanding"`
	Expired          decimal.Decimal `json:"expired"`
}

// CustomerLister is the part of customers.Repository the dashboard reads.
type CustomerLister interface {
	ListCustomers(ctx context.Context) ([]customers.Customer, error)
}

// BuildDashboard scans the whole ledger once. Outstanding is the sum of
// each customer's available balance, so negative net positions of one
// customer never offset another's.
func BuildDashboard(ctx context.Context, store ledger.Store, people CustomerLister, now time.Time) (Dashboard, error) {
	list, err := people.ListCustomers(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list customers: %w", err)
	}

	d := Dashboard{
		AsOf:             now,
		Customers:        len(list),
		PurchaseVolume:   decimal.Zero,
		CashbackIssued:   decimal.Zero,
		CashbackRedeemed: decimal.Zero,
		Outstanding:      decimal.Zero,
		Expired:          decimal.Zero,
	}

	byCustomer := map[ledger.CustomerID][]ledger.Entry{}
	for e, err := range store.Query(ctx, ledger.Filter{Order: ledger.OrderAsc}) {
		if err != nil {
			return Dashboard{}, fmt.Errorf("scan ledger: %w", err)
		}
		byCustomer[e.CustomerID] = append(byCustomer[e.CustomerID], e)

		switch {
		case e.Kind == ledger.KindPurchase && e.Status == ledger.StatusPending:
			d.PendingPurchases++
		case e.Kind == ledger.KindPurchase && e.Status == ledger.StatusApproved:
			d.PurchaseVolume = d.PurchaseVolume.Add(e.Amount)
			d.CashbackIssued = d.CashbackIssued.Add(e.CashbackAmount)
		case e.Kind == ledger.KindRedemption && e.Status == ledger.StatusApproved:
			d.CashbackRedeemed = d.CashbackRedeemed.Add(e.Amount)
		}
	}

	for _, entries := range byCustomer {
		b := ledger.Compute(entries, now)
		d.Outstanding = d.Outstanding.Add(b.Available)
		d.Expired = d.Expired.Add(b.TotalExpired)
	}
	return d, nil
}

// DashboardGauges mirrors the dashboard into Prometheus gauges.
type DashboardGauges struct {
	customers prometheus.Gauge
	pending   prometheus.Gauge
	amounts   *prometheus.GaugeVec
	refreshed prometheus.Gauge
}

func NewDashboardGauges(reg prometheus.Registerer) *DashboardGauges {
	if reg == nil {
		return &DashboardGauges{}
	}
	g := &DashboardGauges{
		customers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "customers",
			Help:      "Registered customers.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_purchases",
			Help:      "Purchases awaiting an admin decision.",
		}),
		amounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_amount",
			Help:      "Dashboard monetary aggregates, in reais.",
		}, []string{"metric"}),
		refreshed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_refreshed_timestamp_seconds",
			Help:      "Unix time of the last dashboard refresh.",
		}),
	}
	reg.MustRegister(g.customers, g.pending, g.amounts, g.refreshed)
	return g
}

// Set publishes d.
func (g *DashboardGauges) Set(d Dashboard) {
	if g == nil || g.pending == nil {
		return
	}
	g.customers.Set(float64(d.Customers))
	g.pending.Set(float64(d.PendingPurchases))
	g.amounts.WithLabelValues("purchase_volume").Set(d.PurchaseVolume.InexactFloat64())
	g.amounts.WithLabelValues("cashback_issued").Set(d.CashbackIssued.InexactFloat64())
	g.amounts.WithLabelValues("cashback_redeemed").Set(d.CashbackRedeemed.InexactFloat64())
	g.amounts.WithLabelValues("outstanding").Set(d.Outstanding.InexactFloat64())
	g.amounts.WithLabelValues("expired").Set(d.Expired.InexactFloat64())
	g.refreshed.Set(float64(d.AsOf.Unix()))
}
