// Package supervisortest provides scripted supervisor.SourceFactory test
// doubles for exercising a Supervisor end to end without a real upstream
// provider: a caller lists the chunks (and, optionally, the error) each
// attempt should yield, and Script turns that into a factory a Supervisor
// can be constructed with directly.
package supervisortest
