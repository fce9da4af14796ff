package moderation

const (
	// HighRiskResponse replaces any turn blocked at the high tier.
	HighRiskResponse = "I'm not able to respond to that type of content. If you're experiencing " +
		"thoughts of self-harm or are in crisis, please reach out to a mental health " +
		"professional or crisis hotline immediately. For medical emergencies, call 911. " +
		"I'm here to help with general health information and questions."

	EmergencyResponse = "⚠️ **MEDICAL EMERGENCY DETECTED** ⚠️\n\n" +
		"If you are experiencing a medical emergency, please:\n" +
		"• Call 911 immediately\n" +
		"• Go to the nearest emergency room\n" +
		"• Contact your healthcare provider\n\n" +
		"I cannot provide emergency medical care. Please seek immediate professional help."

	RedirectResponse = "I understand you may be frustrated, but I'd like to keep our conversation " +
		"respectful and focused on helping with your health questions. How can I " +
		"assist you with medical information today?"

	// EmergencyResources is appended to answers for emergency-tier input.
	EmergencyResources = "\n\n🆘 **Emergency Resources:**\n" +
		"• Emergency: 911\n" +
		"• Suicide Prevention Lifeline: 988\n" +
		"• Crisis Text Line: Text HOME to 741741\n" +
		"• Poison Control: 1-800-222-1222"
)

// SafeResponse returns the refusal text for content blocked at the given tier.
func SafeResponse(severity Severity) string {
	switch severity {
	case SeverityHigh:
		return HighRiskResponse
	case SeverityEmergency:
		return EmergencyResponse + EmergencyResources
	default:
		return RedirectResponse
	}
}

// WithEmergencyResources appends the crisis resource block.
func WithEmergencyResources(text string) string {
	return text + EmergencyResources
}
