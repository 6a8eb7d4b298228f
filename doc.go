// Package mecharm is a remote control client for the MechArm 270.
//
// The client talks to the arm's server over a WebSocket control channel with
// an HTTP fallback, coalesces slider input, keeps its view of the arm in sync
// and can run object detection on the arm's video feed to pick targets.
//
// # Installation
//
//	go install github.com/gwillem/mecharm/cmd/mecharm@latest
//
// Build with -tags gocv to link the OpenCV detection backend.
//
// # Usage
//
// Point server.url in mecharm.yaml at the arm, then start the terminal UI:
//
//	mecharm control
//
// A simulated arm server is available for development:
//
//	mecharm sim --listen :8080
//
// An SO-101 leader arm can drive the joints. Calibrate it once with:
//
//	mecharm setup
//
// # Packages
//
//   - cmd/mecharm: CLI with control, setup, probe and sim commands
//   - pkg/session: WebSocket session with heartbeat and reconnect
//   - pkg/control: local arm state, input coalescing, state sync, HTTP fallback
//   - pkg/vision: detection pipeline, MJPEG reader, SSD backend
//   - pkg/target: move-to-target commands
//   - pkg/teleop: controller wiring the components together
//   - pkg/robot: MechArm joint table and the leader arm
//   - pkg/armsim: simulated arm server
package mecharm
