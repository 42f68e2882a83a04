// Package units converts raw integer encodings into physical units.
//
// A ScaleTable maps a channel hardware model and a measurement field to a
// multiplier, an offset and a unit label. Tables are loaded from YAML and
// never change after construction.
package units
