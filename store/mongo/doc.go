// Package mongo implements store.Store on MongoDB using the official v2
// driver.
//
// Every record keeps its domain value as a JSON document in a body field
// beside the fields used for filtering and sorting. AppendEvents is a
// conditional update on last_seq, and the unique (execution_id, seq) index
// on the events collection rejects a second writer that slips past it.
//
//	client, err := mongod.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
//	if err != nil { ... }
//	s := mongo.New(client.Database("stepflow"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
