// Package host runs the agent's bundled Go scripts in a yaegi interpreter.
//
// Scripts import "virgo/agent" to reach the configuration namespace, the
// bundle, lifecycle events, logging and self-upgrade. The entry module is a
// single file <entry>.go at the bundle root; it may declare Init() error and
// must declare Run(context.Context) error.
package host
