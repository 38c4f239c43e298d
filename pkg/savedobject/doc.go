// Package savedobject provides the record type and Redis storage patterns for
// moult saved objects.
//
// # Overview
//
// A saved object is a persisted, typed, versioned record. Every record carries
// the name of its type and the model version it was last written at. Records
// are read back at whatever version they were stored with; bringing them to
// the current model version is the job of the migration runner, and persisting
// the migrated form only happens on an explicit re-save.
//
// # Usage Example
//
//	import "github.com/dyluth/moult/pkg/savedobject"
//
//	rec := savedobject.Record{
//		ID:           "5b0ad6a1-6bd6-4b8c-a9b5-6a3e2d2b1f4e",
//		Type:         "alert",
//		ModelVersion: 1,
//		Attributes: savedobject.Attributes{
//			"name":        "cpu high",
//			"alertTypeId": ".index-threshold",
//		},
//	}
//
//	client, err := savedobject.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Save(ctx, &rec); err != nil {
//		log.Fatal(err)
//	}
//
// # Redis Schema
//
// All Redis keys follow the pattern: moult:{instance_name}:{entity}:...
//
// Records: moult:{instance_name}:so:{type}:{id} (hash)
// Version index: moult:{instance_name}:versions:{type} (ZSET, member=id, score=model version)
//
// Pub/Sub channel: moult:{instance_name}:migration_events
//
// The version index lets callers find records stored below the current model
// version without reading every hash.
package savedobject
