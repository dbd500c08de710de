package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/trellisflow/trellis/internal/model"
)

// Emulation short-circuits every executor that would touch a credential or
// the network. Outputs are deterministic per (node type, config): two
// emulated runs of the same flow with the same input are identical.

// configHash fingerprints the node's config. encoding/json sorts map keys,
// so the hash is stable across processes.
func configHash(node model.Node) string {
	raw, err := json.Marshal(node.Config)
	if err != nil {
		raw = []byte(node.ID)
	}
	sum := sha256.Sum256(append([]byte(node.Type), raw...))
	return hex.EncodeToString(sum[:])[:12]
}

// emulated builds the common mock envelope and merges per-type fields.
func emulated(node model.Node, fields model.Payload) model.Payload {
	out := model.Payload{
		"emulated": true,
		"nodeType": string(node.Type),
		"mockId":   configHash(node),
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func emulatedHTTPSource(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"status": 200,
		"body":   map[string]interface{}{"source": node.ConfigString("url")},
	})
}

func emulatedHTTPDestination(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"status":    200,
		"delivered": true,
		"target":    node.ConfigString("url"),
	})
}

func emulatedDBConnector(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"rows":     []interface{}{},
		"rowCount": 0,
	})
}

func emulatedSFTPConnector(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"uploaded":   true,
		"remotePath": node.ConfigString("remotePath"),
	})
}

func emulatedBlobConnector(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"uploaded":  true,
		"container": node.ConfigString("container"),
	})
}

func emulatedQueueProducer(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"enqueued": true,
		"topic":    node.ConfigString("topic"),
	})
}

func emulatedEgress(node model.Node) model.Payload {
	return emulated(node, model.Payload{
		"emitted": true,
		"mode":    egressMode(node),
	})
}

// emulatedJoin treats the arrival as stream A and matches immediately so
// downstream nodes still execute. Nothing is persisted.
func emulatedJoin(input model.Payload) model.Payload {
	var a interface{}
	if input != nil {
		a = map[string]interface{}(input)
	}
	return model.Payload{"streamA": a, "streamB": nil}
}
