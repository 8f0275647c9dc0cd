package cel

// RuleExpressionExamples are ready-made threshold rules over live samples.
var RuleExpressionExamples = map[string]string{
	"tachycardia":         `metric == "heart_rate" && value > 120.0`,
	"bradycardia":         `metric == "heart_rate" && value < 40.0`,
	"low_oxygen":          `metric == "spo2" && value < 90.0`,
	"sustained_high_rate": `metric == "heart_rate" && window.count >= 5 && window.avg > 110.0`,
	"sudden_drop":         `metric == "spo2" && window.max - value > 5.0`,
	"fever":               `metric == "body_temperature" && unit == "celsius" && value >= 38.5`,
	"trusted_source":      `source in ["watch", "ring"] && metric == "heart_rate" && value > 150.0`,
	"night_hypotension":   `metric == "systolic_bp" && value < 90.0 && timestamp.getHours() < 6`,
	"fall_sensor":         `metric == "fall_detected" && value >= 1.0`,
	"combined_vitals":     `(metric == "heart_rate" && value > 130.0) || (metric == "spo2" && value < 88.0)`,
}
