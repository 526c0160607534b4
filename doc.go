// Package quill holds the definitions shared by every subsystem of the quill
// database server: the Logger interface and the log level constants.
//
// The network engine lives in the server package, the PostgreSQL wire
// protocol handler in quillwire, and the supporting pieces in netbuf, packet,
// transport and event.
package quill
