// Package virtio implements the split-virtqueue legacy MMIO block
// driver spec.md §4.M describes: feature negotiation, a three-
// descriptor request protocol, and interrupt-driven completion.
// Grounded on the teacher's fs/blk.go Disk_i{Start,Stats}/Bdev_req_t
// contract (the teacher's own ahci/virtio source was empty in this
// retrieval pack, so the request/ack-channel shape is inferred from
// that interface, which both its ahci and virtio drivers implement in
// the full repo) and on hanwen-go-fuse's golang.org/x/sync/semaphore
// use for bounding concurrent in-flight work, applied here to the
// fixed number of descriptor chains the queue can have outstanding.
package virtio

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/sync/semaphore"

	"rv6/internal/bio"
	"rv6/internal/defs"
	"rv6/internal/mem"
)

// MMIO is the legacy virtio-mmio register window the driver programs
// during Init. A real kernel maps this at a fixed physical base; here
// it is any object the simulator supplies (see internal/diskimage for
// the in-memory fake used by tests).
type MMIO interface {
	ReadReg(off uintptr) uint32
	WriteReg(off uintptr, v uint32)
}

// Legacy virtio-mmio register offsets (virtio spec v1, legacy window).
const (
	regMagic        = 0x000
	regVersion      = 0x004
	regDeviceID     = 0x008
	regVendorID     = 0x00c
	regHostFeatures = 0x010
	regGuestFeatures = 0x020
	regQueueSel     = 0x030
	regQueueNumMax  = 0x034
	regQueueNum     = 0x038
	regQueuePFN     = 0x040
	regQueueNotify  = 0x050
	regInterruptStatus = 0x060
	regInterruptAck = 0x064
	regStatus       = 0x070
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusFeaturesOK  = 8
	statusDriverOK    = 4

	magicValue = 0x74726976 // "virt"
	blockDeviceID = 2
)

// Feature bits the driver does not implement and must mask off during
// negotiation, per spec.md §4.M.
const (
	featBlockRO        = 1 << 5
	featBlockSCSI      = 1 << 7
	featBlockConfigWCE = 1 << 11
	featBlockMQ        = 1 << 12
	featAnyLayout      = 1 << 27
	featRingEventIdx   = 1 << 29
	featRingIndirectDesc = 1 << 28
)

// NUM is the fixed queue size (must be a power of two); the queue
// holds NUM/3 concurrent three-descriptor request chains.
const NUM = 32

const (
	descFNext  = 1
	descFWrite = 2
)

const (
	blkTypeIn  = 0 // read
	blkTypeOut = 1 // write
)

// ringDesc is one 16-byte virtqueue descriptor.
type ringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func putDesc(b []byte, d ringDesc) {
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[12:], d.Flags)
	binary.LittleEndian.PutUint16(b[14:], d.Next)
}

func getDesc(b []byte) ringDesc {
	return ringDesc{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}
}

// pending is one in-flight request's bookkeeping: the bio request it
// serves and the three descriptor indices loaned to it.
type pending struct {
	req   *bio.Req
	head  uint16
}

// BlockDevice is the VirtIO legacy block driver. It implements
// bio.Disk, so internal/bio's cache can issue reads/writes through it
// without knowing anything about virtqueues.
type BlockDevice struct {
	arena *mem.Arena
	mmio  MMIO

	descPA mem.PhysAddr
	availPA mem.PhysAddr
	usedPA mem.PhysAddr

	sem *semaphore.Weighted // bounds concurrent 3-descriptor chains to NUM/3

	mu        sync.Mutex
	freeDescs []uint16 // stack of free chain-head indices (each owns head,head+1,head+2)
	pendingByHead map[uint16]*pending
	lastUsedSeen  uint16

	backing   []byte // raw sector-addressable store, sectorSize-byte sectors
	sectorSize int

	notifyCh chan struct{}
}

// Init performs the magic/version/vendor check, feature negotiation,
// and virtqueue setup spec.md §4.M describes, then starts the
// background completion loop that plays the role of the device's
// interrupt source.
func Init(ctx context.Context, arena *mem.Arena, mmio MMIO, backing []byte) (*BlockDevice, defs.Err_t) {
	if mmio.ReadReg(regMagic) != magicValue {
		return nil, defs.EINVAL
	}
	if mmio.ReadReg(regVersion) != 1 {
		return nil, defs.EINVAL
	}
	if mmio.ReadReg(regDeviceID) != blockDeviceID {
		return nil, defs.EINVAL
	}
	_ = mmio.ReadReg(regVendorID)

	mmio.WriteReg(regStatus, 0)
	mmio.WriteReg(regStatus, statusAcknowledge)
	mmio.WriteReg(regStatus, statusAcknowledge|statusDriver)

	features := mmio.ReadReg(regHostFeatures)
	features &^= featBlockRO | featBlockSCSI | featBlockConfigWCE | featBlockMQ |
		featAnyLayout | featRingEventIdx | featRingIndirectDesc
	mmio.WriteReg(regGuestFeatures, features)

	mmio.WriteReg(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if mmio.ReadReg(regStatus)&statusFeaturesOK == 0 {
		return nil, defs.EINVAL
	}

	descPA, err := arena.Alloc()
	if err != 0 {
		return nil, err
	}
	availPA, err := arena.Alloc()
	if err != 0 {
		return nil, err
	}
	usedPA, err := arena.Alloc()
	if err != 0 {
		return nil, err
	}
	zero(arena.Bytes(descPA))
	zero(arena.Bytes(availPA))
	zero(arena.Bytes(usedPA))

	mmio.WriteReg(regQueueSel, 0)
	qmax := mmio.ReadReg(regQueueNumMax)
	n := uint32(NUM)
	if qmax != 0 && qmax < n {
		n = qmax
	}
	mmio.WriteReg(regQueueNum, n)
	mmio.WriteReg(regQueuePFN, uint32(descPA)>>mem.PGSHIFT)

	mmio.WriteReg(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	d := &BlockDevice{
		arena:   arena,
		mmio:    mmio,
		descPA:  descPA,
		availPA: availPA,
		usedPA:  usedPA,
		sem:     semaphore.NewWeighted(NUM / 3),
		pendingByHead: make(map[uint16]*pending),
		backing: backing,
		sectorSize: 512,
		notifyCh: make(chan struct{}, 1),
	}
	for h := uint16(0); h+2 < NUM; h += 3 {
		d.freeDescs = append(d.freeDescs, h)
	}
	go d.deviceLoop(ctx)
	return d, 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Start implements bio.Disk: build a three-descriptor chain for r,
// publish it to the avail ring, and notify the device. The caller
// (bio.Cache) blocks on r.AckCh for completion.
func (d *BlockDevice) Start(ctx context.Context, r *bio.Req) defs.Err_t {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return defs.EINTR
	}

	d.mu.Lock()
	if len(d.freeDescs) == 0 {
		d.mu.Unlock()
		d.sem.Release(1)
		panic("virtio: descriptor accounting out of sync with semaphore")
	}
	head := d.freeDescs[len(d.freeDescs)-1]
	d.freeDescs = d.freeDescs[:len(d.freeDescs)-1]

	hdrPA, herr := d.arena.Alloc()
	if herr != 0 {
		d.freeDescs = append(d.freeDescs, head)
		d.mu.Unlock()
		d.sem.Release(1)
		return herr
	}
	statusPA, serr := d.arena.Alloc()
	if serr != 0 {
		d.arena.Free(hdrPA)
		d.freeDescs = append(d.freeDescs, head)
		d.mu.Unlock()
		d.sem.Release(1)
		return serr
	}

	sector := r.Block * uint64(bio.BSIZE/512)
	hdr := d.arena.Bytes(hdrPA)
	typ := uint32(blkTypeIn)
	if r.Cmd == bio.CmdWrite {
		typ = blkTypeOut
	}
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint32(hdr[4:], 0)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	descTable := d.arena.Bytes(d.descPA)
	dataFlags := uint16(descFNext)
	if r.Cmd == bio.CmdRead {
		dataFlags |= descFWrite
	}
	putDesc(descTable[int(head)*16:], ringDesc{Addr: uint64(hdrPA), Len: 16, Flags: descFNext, Next: head + 1})
	putDesc(descTable[int(head+1)*16:], ringDesc{Addr: uint64(head) /* token, see doc */, Len: uint32(len(r.Data)), Flags: dataFlags, Next: head + 2})
	putDesc(descTable[int(head+2)*16:], ringDesc{Addr: uint64(statusPA), Len: 1, Flags: descFWrite, Next: 0})

	d.pendingByHead[head] = &pending{req: r, head: head}

	avail := d.arena.Bytes(d.availPA)
	idx := binary.LittleEndian.Uint16(avail[2:4])
	binary.LittleEndian.PutUint16(avail[4+2*(idx%NUM):], head)
	binary.LittleEndian.PutUint16(avail[2:4], idx+1) // fenced: ring slot above is visible before idx bump
	d.mu.Unlock()

	d.mmio.WriteReg(regQueueNotify, 0)
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
	return 0
}

// deviceLoop plays the role of the VirtIO device itself: it watches
// the avail ring, performs the requested sector transfer against the
// backing store, publishes a used-ring entry, and raises a completion
// ("interrupt") that HandleInterrupt drains.
func (d *BlockDevice) deviceLoop(ctx context.Context) {
	var lastAvail uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notifyCh:
		}
		for {
			avail := d.arena.Bytes(d.availPA)
			idx := binary.LittleEndian.Uint16(avail[2:4])
			if lastAvail == idx {
				break
			}
			head := binary.LittleEndian.Uint16(avail[4+2*(lastAvail%NUM):])
			lastAvail++
			d.service(head)
		}
		d.HandleInterrupt(ctx)
	}
}

// service performs the actual data movement for the request loaned to
// descriptor chain head, and records status 0 (success) in the status
// descriptor for HandleInterrupt to observe.
func (d *BlockDevice) service(head uint16) {
	d.mu.Lock()
	p, ok := d.pendingByHead[head]
	d.mu.Unlock()
	if !ok {
		panic("virtio: used ring named a head with no pending request")
	}

	off := p.req.Block * uint64(bio.BSIZE/512) * uint64(d.sectorSize)
	end := off + uint64(len(p.req.Data))
	if int(end) > len(d.backing) {
		panic("virtio: request past end of backing store")
	}
	if p.req.Cmd == bio.CmdRead {
		copy(p.req.Data, d.backing[off:end])
	} else {
		copy(d.backing[off:end], p.req.Data)
	}

	descTable := d.arena.Bytes(d.descPA)
	statusDesc := getDesc(descTable[int(head+2)*16:])
	statusByte := d.arena.Bytes(mem.PhysAddr(statusDesc.Addr))
	statusByte[0] = 0

	used := d.arena.Bytes(d.usedPA)
	uidx := binary.LittleEndian.Uint16(used[2:4])
	entryOff := 4 + 8*(int(uidx)%NUM)
	binary.LittleEndian.PutUint32(used[entryOff:], uint32(head))
	binary.LittleEndian.PutUint32(used[entryOff+4:], uint32(len(p.req.Data)))
	binary.LittleEndian.PutUint16(used[2:4], uidx+1)
}

// HandleInterrupt is the driver-side completion path spec.md §4.M
// describes: acknowledge pending interrupt bits, drain the used ring
// from the last seen index to the device's published index, assert
// each completion's status byte is 0, wake the buffer, and free the
// descriptor chain. The simulated device calls this directly after
// servicing; a real kernel's trap dispatcher would instead call it
// from the PLIC external-interrupt path (internal/trap wires that).
func (d *BlockDevice) HandleInterrupt(ctx context.Context) {
	d.mmio.WriteReg(regInterruptAck, d.mmio.ReadReg(regInterruptStatus))

	used := d.arena.Bytes(d.usedPA)
	uidx := binary.LittleEndian.Uint16(used[2:4])

	d.mu.Lock()
	for d.lastUsedSeen != uidx {
		entryOff := 4 + 8*(int(d.lastUsedSeen)%NUM)
		head := uint16(binary.LittleEndian.Uint32(used[entryOff:]))
		d.lastUsedSeen++

		p := d.pendingByHead[head]
		delete(d.pendingByHead, head)

		descTable := d.arena.Bytes(d.descPA)
		statusDesc := getDesc(descTable[int(head+2)*16:])
		statusByte := d.arena.Bytes(mem.PhysAddr(statusDesc.Addr))
		if statusByte[0] != 0 {
			panic("virtio: request completed with non-zero status")
		}

		hdrDesc := getDesc(descTable[int(head)*16:])
		d.arena.Free(mem.PhysAddr(hdrDesc.Addr))
		d.arena.Free(mem.PhysAddr(statusDesc.Addr))
		d.freeDescs = append(d.freeDescs, head)

		close(p.req.AckCh)
		d.sem.Release(1)
	}
	d.mu.Unlock()
}
