package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"riskcore/internal/bus"
	"riskcore/internal/killswitch"
	"riskcore/pkg/types"
)

const (
	// alertCooldown suppresses repeat alerts per (type, severity) key.
	alertCooldown = 5 * time.Minute

	// escalationAfter promotes unacknowledged critical alerts.
	escalationAfter = 5 * time.Minute

	// maxAlerts bounds the alert store; oldest entries are pruned first.
	maxAlerts = 100
)

// createAlertLocked records an alert and publishes it on the bus. Duplicate
// (type, severity) pairs within the cooldown window are dropped.
func (m *Manager) createAlertLocked(alertType string, severity types.Severity, message string,
	positionIDs []string, value, threshold float64, action string) {

	key := alertType + "|" + string(severity)
	if last, ok := m.alertCooldowns[key]; ok && time.Since(last) < alertCooldown {
		return
	}
	m.alertCooldowns[key] = time.Now()

	alert := &types.Alert{
		ID:                uuid.NewString(),
		Type:              alertType,
		Severity:          severity,
		Message:           message,
		Timestamp:         time.Now().UTC(),
		PositionIDs:       positionIDs,
		CurrentValue:      value,
		Threshold:         threshold,
		RecommendedAction: action,
	}
	m.alerts[alert.ID] = alert
	m.pruneAlertsLocked()

	m.logger.Warn("risk alert",
		"type", alertType,
		"severity", severity,
		"message", message,
		"value", value,
		"threshold", threshold,
	)
	m.bus.Publish(bus.RiskAlert, *alert)
}

// pruneAlertsLocked keeps the newest maxAlerts entries.
func (m *Manager) pruneAlertsLocked() {
	if len(m.alerts) <= maxAlerts {
		return
	}
	all := make([]*types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	for _, a := range all[:len(all)-maxAlerts] {
		delete(m.alerts, a.ID)
		delete(m.escalated, a.ID)
	}
}

// escalateStaleAlertsLocked notifies emergency contacts about critical
// alerts that stayed unacknowledged past the escalation window.
func (m *Manager) escalateStaleAlertsLocked() {
	for _, a := range m.alerts {
		if a.Severity != types.SeverityCritical || a.Acknowledged || m.escalated[a.ID] {
			continue
		}
		if time.Since(a.Timestamp) < escalationAfter {
			continue
		}
		m.escalated[a.ID] = true
		m.logger.Error("critical alert unacknowledged, escalating", "alert_id", a.ID, "type", a.Type)
		m.bus.Publish(bus.EmergencyNotification, killswitch.Notification{
			Contacts: append([]string(nil), m.cfg.KillSwitch.EmergencyContacts...),
			Event: killswitch.TriggerEvent{
				ID:        a.ID,
				Timestamp: a.Timestamp,
				Reason:    fmt.Sprintf("unacknowledged critical alert: %s", a.Message),
				Severity:  a.Severity,
			},
		})
	}
}

// AcknowledgeAlert marks an alert as handled.
func (m *Manager) AcknowledgeAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %q", types.ErrNotFound, id)
	}
	a.Acknowledged = true
	return nil
}

// Alerts returns copies of the stored alerts, newest first.
func (m *Manager) Alerts() []types.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertsLocked()
}

func (m *Manager) alertsLocked() []types.Alert {
	out := make([]types.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// checkRiskLimitsLocked compares current risk to the configured ceilings and
// raises advisory alerts for crossings. Limit checks never reject state;
// rejection happens only on proposed positions.
func (m *Manager) checkRiskLimitsLocked() {
	pr := m.portfolioRiskLocked()
	limits := m.cfg.Limits

	m.checkLimitLocked("portfolio_risk", pr.TotalRisk, limits.MaxPortfolioRisk,
		"reduce aggregate position risk")
	m.checkLimitLocked("concentration", pr.Concentration, limits.MaxSectorConcentration,
		"diversify the largest exposure")
	m.checkLimitLocked("leverage", pr.Leverage, limits.MaxLeverage,
		"deleverage the portfolio")
	m.checkLimitLocked("correlation", pr.Correlation, limits.MaxCorrelation,
		"add uncorrelated exposure")

	ksStatus := m.ks.Status()
	m.checkLimitLocked("drawdown", ksStatus.CurrentDrawdown, limits.MaxDrawdownLimit,
		"pause trading until drawdown recovers")

	// Feed the enhanced kill-switch triggers with aggregate conditions.
	var volSum, liqSum float64
	for _, p := range m.positions {
		volSum += p.Volatility
		score := p.LiquidityScore
		if score == 0 {
			score = 0.5
		}
		liqSum += score
	}
	if n := float64(len(m.positions)); n > 0 {
		m.ks.UpdateMarketConditions(volSum/n, liqSum/n, pr.Correlation)
	}
}

// checkLimitLocked raises an error alert above the limit and a warning
// above 80% of it.
func (m *Manager) checkLimitLocked(name string, value, limit float64, action string) {
	if limit <= 0 {
		return
	}
	switch {
	case value > limit:
		m.createAlertLocked(name, types.SeverityError,
			fmt.Sprintf("%s %.2f exceeds limit %.2f", name, value, limit),
			nil, value, limit, action)
	case value > 0.8*limit:
		m.createAlertLocked(name, types.SeverityWarning,
			fmt.Sprintf("%s %.2f approaching limit %.2f", name, value, limit),
			nil, value, limit, action)
	}
}
