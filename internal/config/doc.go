// Package config loads, normalizes, and validates dtiqc configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DTIQC_OPERATOR and DTIQC_DATABASE_DSN. The Config type centralizes every knob
// the batch runner, the QC sessions, and the worker loops need so the engine
// and its collaborators receive one explicit value at construction instead of
// reaching for global state.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical backend names, and clear validation errors.
package config
