package storage

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tink-crypto/tink-go/v2/keyset"
	tinkrotatev1 "lds.li/tinkrotate/proto/tinkrotate/v1"
)

var (
	keysetKeyCreatedTimestampSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyset_key_created_timestamp_seconds",
			Help: "Unix timestamp (seconds) when a key in a keyset was created",
		},
		[]string{"keyset_name", "key_id"},
	)

	keysetKeyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyset_key_count",
			Help: "Number of keys in a keyset",
		},
		[]string{"keyset_name"},
	)

	stateBoltFileSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_bolt_file_size_bytes",
			Help: "Size in bytes of the BoltDB state file",
		},
	)

	grantStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grant_store_operations_total",
			Help: "Persisted grant store operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	gcDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_gc_deleted_total",
			Help: "Records removed by state garbage collection",
		},
		[]string{"kind"},
	)

	// reportedKeys holds the key IDs last reported per keyset, so gauges for
	// deleted keys can be dropped.
	reportedKeys sync.Map // keyset name -> map[string]bool
)

func reportKeysetMetrics(keysetName string, handle *keyset.Handle, metadata *tinkrotatev1.KeyRotationMetadata) {
	if handle == nil || metadata == nil {
		return
	}
	info := handle.KeysetInfo()
	if info == nil {
		return
	}

	keyMeta := metadata.GetKeyMetadata()
	current := make(map[string]bool, len(info.KeyInfo))
	for _, ki := range info.KeyInfo {
		keyID := strconv.FormatUint(uint64(ki.KeyId), 10)
		current[keyID] = true
		if m, ok := keyMeta[ki.KeyId]; ok && m.GetCreationTime() != nil {
			keysetKeyCreatedTimestampSeconds.WithLabelValues(keysetName, keyID).Set(float64(m.GetCreationTime().AsTime().Unix()))
		}
	}

	if prev, ok := reportedKeys.Load(keysetName); ok {
		for keyID := range prev.(map[string]bool) {
			if !current[keyID] {
				keysetKeyCreatedTimestampSeconds.DeleteLabelValues(keysetName, keyID)
			}
		}
	}
	reportedKeys.Store(keysetName, current)
	keysetKeyCount.WithLabelValues(keysetName).Set(float64(len(current)))
}

func reportStateFileSize(path string) {
	size, err := getFileSize(path)
	if err != nil {
		return
	}
	stateBoltFileSizeBytes.Set(float64(size))
}
