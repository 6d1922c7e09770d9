// Package config loads game variant definitions from JSON files and
// registers them as additional game keys on a runtime.
//
// Variant Format:
//
// Each *.json file in the variants directory defines one registration:
//
//	{
//	  "key": "guessing_tight",
//	  "kind": "guessing",
//	  "min": 1,
//	  "max": 5,
//	  "description": "Short rounds for quick demos"
//	}
//
// The key becomes the registry name rooms are created with; the kind picks
// the builder that turns the definition into game logic. Malformed files
// fail the load with an aggregated validation report, so a server never
// starts with a half-usable variant set. A missing directory is not an
// error: the built-in registrations apply on their own.
//
// Usage:
//
//	manager, err := config.NewManager("variants")
//	if err != nil {
//		log.Fatal(err)
//	}
//	n, err := manager.Register(rt, map[string]config.Builder{
//		"guessing": func(v config.Variant) (engine.GameFunc, error) {
//			return guessing.Game(v.Min, v.Max), nil
//		},
//	})
package config
