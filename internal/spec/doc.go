// Package spec defines the domain model for the agent factory: the
// Specification aggregate, the phase and status state machines, typed
// phase results, resource accounting, approval records, and the factory
// error taxonomy.
//
// The package is purely declarative. All behavior that mutates a
// Specification lives in the engine; everything here is data plus the
// validation and transition rules the engine enforces.
package spec
