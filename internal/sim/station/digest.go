package station

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"

	"stationcraft.ai/internal/sim/atmos"
	"stationcraft.ai/internal/sim/devices"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// stateDigest hashes every piece of simulation state in a fixed order.
// Two stations fed the same events produce the same digest.
func (s *Station) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, nowTick)
	s.digestGrids(h, &tmp)
	s.digestNetwork(h, &tmp)
	s.digestDevices(h, &tmp)
	digestWriteF64(h, &tmp, s.vented)
	digestWriteF64(h, &tmp, s.created)

	return hex.EncodeToString(h.Sum(nil))
}

func (s *Station) digestGrids(h hashWriter, tmp *[8]byte) {
	for _, id := range s.GridIDs() {
		g := s.grids[id]
		h.Write([]byte(id))
		digestWriteI64(h, tmp, int64(g.Width()))
		digestWriteI64(h, tmp, int64(g.Height()))
		digestWriteI64(h, tmp, int64(g.Cursor()))
		g.ForEachTile(func(t *atmos.Tile) {
			digestWriteI64(h, tmp, int64(t.Pos.X))
			digestWriteI64(h, tmp, int64(t.Pos.Y))
			h.Write([]byte{boolByte(t.Blocked), boolByte(t.Active), boolByte(t.Mixture != nil)})
			digestMixture(h, tmp, t.Mixture)
		})
	}
}

func (s *Station) digestNetwork(h hashWriter, tmp *[8]byte) {
	for _, id := range s.net.NodeIDs() {
		n, _ := s.net.Node(id)
		digestWriteU64(h, tmp, uint64(n.ID))
		h.Write([]byte(n.Grid))
		digestWriteI64(h, tmp, int64(n.Pos.X))
		digestWriteI64(h, tmp, int64(n.Pos.Y))
		digestWriteI64(h, tmp, int64(n.Rotation))
		h.Write([]byte{byte(n.Directions), boolByte(n.Anchored)})
		digestWriteF32(h, tmp, n.Volume)
		digestWriteU64(h, tmp, uint64(n.GroupID()))
	}
	for _, gid := range s.net.GroupIDs() {
		g, _ := s.net.GroupByID(gid)
		digestWriteU64(h, tmp, uint64(gid))
		for _, m := range g.Members() {
			digestWriteU64(h, tmp, uint64(m))
		}
		digestMixture(h, tmp, g.Mixture())
	}
}

func (s *Station) digestDevices(h hashWriter, tmp *[8]byte) {
	for _, d := range s.devs.Devices() {
		// encoding/json sorts map keys, so Spec bytes are stable.
		b, _ := json.Marshal(devices.SpecOf(d))
		h.Write(b)
		if c, ok := d.(*devices.Canister); ok {
			digestMixture(h, tmp, c.Mixture)
		}
	}
}

func digestMixture(h hashWriter, tmp *[8]byte, m *atmos.GasMixture) {
	if m == nil {
		return
	}
	digestWriteF32(h, tmp, m.Volume())
	digestWriteF32(h, tmp, m.Temperature())
	for _, v := range m.MolesArray() {
		digestWriteF32(h, tmp, v)
	}
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func digestWriteF32(h hashWriter, tmp *[8]byte, v float32) {
	digestWriteU64(h, tmp, uint64(math.Float32bits(v)))
}

func digestWriteF64(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
