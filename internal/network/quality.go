package network

// Quality is a coarse classification of the current link.
type Quality string

const (
	QualityOffline   Quality = "offline"
	QualityPoor      Quality = "poor"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
	QualityUnknown   Quality = "unknown"
)

// ClassifyQuality maps an effective link type ("4g", "3g", "2g", "slow-2g")
// and downlink throughput in Mbit/s to a Quality. A zero downlink means
// unreported.
func ClassifyQuality(online bool, effectiveType string, downlink float64) Quality {
	if !online {
		return QualityOffline
	}
	switch {
	case effectiveType == "4g" || downlink > 5:
		return QualityExcellent
	case effectiveType == "3g" || downlink > 1.5:
		return QualityGood
	case effectiveType == "2g" || effectiveType == "slow-2g":
		return QualityPoor
	}
	return QualityUnknown
}
