// Package supervisor talks to the process supervisor.
//
// Stream reads the supervisor's event bus, one JSON object per line:
//
//	{"channel": "log:out", "packet": {"process": {...}, "data": "..."}}
//
// and hands every decoded event to a Handler. MonitorClient queries the
// supervisor's monitoring endpoint for the full process list.
//
// Neither reconnects: when the bus connection ends, Run returns and the
// caller decides what to do.
package supervisor
