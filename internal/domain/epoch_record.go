package domain

import "time"

// EpochRecord - catalog entry describing one published topology epoch
type EpochRecord struct {
	// Partition Key
	Cluster string `json:"cluster" dynamodbav:"cluster" cbor:"1,keyasint"`
	// Sort Key
	Epoch uint64 `json:"epoch" dynamodbav:"epoch" cbor:"2,keyasint"`
	// Checksum is the envelope checksum of the encoded snapshot, in hex.
	Checksum string `json:"checksum" dynamodbav:"checksum" cbor:"3,keyasint"`
	// Location is the archive URI the snapshot was stored at.
	Location    string    `json:"location" dynamodbav:"location" cbor:"4,keyasint"`
	Size        int64     `json:"size" dynamodbav:"size" cbor:"5,keyasint"`
	Devices     int       `json:"devices" dynamodbav:"devices" cbor:"6,keyasint"`
	Buckets     int       `json:"buckets" dynamodbav:"buckets" cbor:"7,keyasint"`
	Rules       int       `json:"rules" dynamodbav:"rules" cbor:"8,keyasint"`
	Tunables    string    `json:"tunables" dynamodbav:"tunables" cbor:"9,keyasint"`
	PublishedAt time.Time `json:"published_at" dynamodbav:"published_at" cbor:"10,keyasint"`
}
