package audit

import "go.uber.org/zap"

// Recorder logs security-relevant findings observed during an attempt,
// for an operator reviewing what a worker's editor actually touched.
type Recorder struct {
	logger *zap.Logger
}

// NewRecorder builds a Recorder writing through logger.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger}
}

// RecordPaths classifies each of paths and logs a warning for every one
// matching a sensitive pattern (spec §4.5 step 4, "re-verify scope").
func (r *Recorder) RecordPaths(attemptID, targetID string, paths []string) {
	for _, p := range paths {
		if !IsSensitivePath(p) {
			continue
		}
		r.logger.Warn("attempt touched a sensitive path",
			zap.String("attemptId", attemptID),
			zap.String("targetId", targetID),
			zap.String("category", string(SensitiveFileWrite)),
			zap.String("path", p),
		)
	}
}

// RecordEditorCommand classifies the editor's invocation itself —
// useful even though this worker's Editor is an opaque container, since
// the image/command pair is operator-configured and worth a forensic
// trail if it turns out to shell out to a package manager or a
// network transfer tool. attemptID is the only identity DockerEditor
// has to hand, derived from its workdir.
func (r *Recorder) RecordEditorCommand(attemptID, command string) {
	if IsPackageInstall(command) {
		r.logger.Info("attempt's editor command installs packages",
			zap.String("attemptId", attemptID),
			zap.String("category", string(PackageInstall)),
			zap.String("command", command),
		)
	}
	if IsOutboundTransfer(command) {
		r.logger.Warn("attempt's editor command transfers data outbound",
			zap.String("attemptId", attemptID),
			zap.String("category", string(OutboundDataTransfer)),
			zap.String("command", command),
		)
	}
}
