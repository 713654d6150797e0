// Package lifecycle owns one agent process from argument parsing to exit.
//
// Bootstrap builds the AgentContext, Run drives a hosted Runtime through its
// init and run phases, and Main is the only place that turns failures into
// output and an exit status. Control requests (help, version, maintenance)
// travel as errors of kind ControlSignal and are handled inside Run.
package lifecycle
