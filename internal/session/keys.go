package session

import "time"

// Key namespaces owned by a subject. Admin cleanup purges all of them.
const (
	SessionPrefix  = "session:"
	SecurityPrefix = "security:"
	MetricsPrefix  = "metrics:"
	UserRatePrefix = "ratelimit:user:"
	AnomalyPrefix  = "anomaly:"
)

const (
	securityTTL = 7 * 24 * time.Hour
	anomalyTTL  = 7 * 24 * time.Hour
	metricsTTL  = 24 * time.Hour
)

func Key(subject string) string { return SessionPrefix + subject }

// SubjectKeys lists the fixed-name keys belonging to subject.
func SubjectKeys(subject string) []string {
	return []string{
		SessionPrefix + subject,
		SecurityPrefix + subject,
		MetricsPrefix + subject,
		UserRatePrefix + subject,
	}
}

// AnomalyPattern matches every anomaly event recorded for subject.
func AnomalyPattern(subject string) string {
	return AnomalyPrefix + subject + ":*"
}
