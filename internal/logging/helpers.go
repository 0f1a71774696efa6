package logging

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs an error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Agent logs to the agent category
func Agent(format string, args ...interface{}) {
	Get(CategoryAgent).Info(format, args...)
}

// AgentDebug logs debug to the agent category
func AgentDebug(format string, args ...interface{}) {
	Get(CategoryAgent).Debug(format, args...)
}

// AgentWarn logs a warning to the agent category
func AgentWarn(format string, args ...interface{}) {
	Get(CategoryAgent).Warn(format, args...)
}

// AgentError logs an error to the agent category
func AgentError(format string, args ...interface{}) {
	Get(CategoryAgent).Error(format, args...)
}

// Sampler logs to the sampler category
func Sampler(format string, args ...interface{}) {
	Get(CategorySampler).Info(format, args...)
}

// SamplerDebug logs debug to the sampler category
func SamplerDebug(format string, args ...interface{}) {
	Get(CategorySampler).Debug(format, args...)
}

// SamplerWarn logs a warning to the sampler category
func SamplerWarn(format string, args ...interface{}) {
	Get(CategorySampler).Warn(format, args...)
}

// SamplerError logs an error to the sampler category
func SamplerError(format string, args ...interface{}) {
	Get(CategorySampler).Error(format, args...)
}

// Verifier logs to the verifier category
func Verifier(format string, args ...interface{}) {
	Get(CategoryVerifier).Info(format, args...)
}

// VerifierDebug logs debug to the verifier category
func VerifierDebug(format string, args ...interface{}) {
	Get(CategoryVerifier).Debug(format, args...)
}

// VerifierWarn logs a warning to the verifier category
func VerifierWarn(format string, args ...interface{}) {
	Get(CategoryVerifier).Warn(format, args...)
}

// VerifierError logs an error to the verifier category
func VerifierError(format string, args ...interface{}) {
	Get(CategoryVerifier).Error(format, args...)
}

// Tactile logs to the tactile category
func Tactile(format string, args ...interface{}) {
	Get(CategoryTactile).Info(format, args...)
}

// TactileDebug logs debug to the tactile category
func TactileDebug(format string, args ...interface{}) {
	Get(CategoryTactile).Debug(format, args...)
}

// TactileWarn logs a warning to the tactile category
func TactileWarn(format string, args ...interface{}) {
	Get(CategoryTactile).Warn(format, args...)
}

// TactileError logs an error to the tactile category
func TactileError(format string, args ...interface{}) {
	Get(CategoryTactile).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIWarn logs a warning to the api category
func APIWarn(format string, args ...interface{}) {
	Get(CategoryAPI).Warn(format, args...)
}

// APIError logs an error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// Replay logs to the replay category
func Replay(format string, args ...interface{}) {
	Get(CategoryReplay).Info(format, args...)
}

// ReplayDebug logs debug to the replay category
func ReplayDebug(format string, args ...interface{}) {
	Get(CategoryReplay).Debug(format, args...)
}

// ReplayWarn logs a warning to the replay category
func ReplayWarn(format string, args ...interface{}) {
	Get(CategoryReplay).Warn(format, args...)
}

// ReplayError logs an error to the replay category
func ReplayError(format string, args ...interface{}) {
	Get(CategoryReplay).Error(format, args...)
}

// Rollout logs to the rollout category
func Rollout(format string, args ...interface{}) {
	Get(CategoryRollout).Info(format, args...)
}

// RolloutDebug logs debug to the rollout category
func RolloutDebug(format string, args ...interface{}) {
	Get(CategoryRollout).Debug(format, args...)
}

// RolloutWarn logs a warning to the rollout category
func RolloutWarn(format string, args ...interface{}) {
	Get(CategoryRollout).Warn(format, args...)
}

// RolloutError logs an error to the rollout category
func RolloutError(format string, args ...interface{}) {
	Get(CategoryRollout).Error(format, args...)
}

// Recorder logs to the recorder category
func Recorder(format string, args ...interface{}) {
	Get(CategoryRecorder).Info(format, args...)
}

// RecorderDebug logs debug to the recorder category
func RecorderDebug(format string, args ...interface{}) {
	Get(CategoryRecorder).Debug(format, args...)
}

// RecorderWarn logs a warning to the recorder category
func RecorderWarn(format string, args ...interface{}) {
	Get(CategoryRecorder).Warn(format, args...)
}

// RecorderError logs an error to the recorder category
func RecorderError(format string, args ...interface{}) {
	Get(CategoryRecorder).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs an error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Watch logs to the watch category
func Watch(format string, args ...interface{}) {
	Get(CategoryWatch).Info(format, args...)
}

// WatchDebug logs debug to the watch category
func WatchDebug(format string, args ...interface{}) {
	Get(CategoryWatch).Debug(format, args...)
}

// WatchWarn logs a warning to the watch category
func WatchWarn(format string, args ...interface{}) {
	Get(CategoryWatch).Warn(format, args...)
}

// WatchError logs an error to the watch category
func WatchError(format string, args ...interface{}) {
	Get(CategoryWatch).Error(format, args...)
}
