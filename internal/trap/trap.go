// Package trap implements the dispatch core spec.md §4.F describes:
// syscalls routed by number, external interrupts claimed from the PLIC
// and routed to their device, and timer ticks driving preemption.
// Grounded on the teacher's fd package for the argument-marshalling
// shape a syscall handler takes (an Fd_t plus raw bytes in/out),
// generalized from the teacher's register-file (Tf_t-driven) syscall
// entry to this simulation's Body-closure processes: since a process
// here is a goroutine that calls directly into Syscalls' methods
// rather than trapping from user mode through a register save area,
// Syscalls plays the role the real a7-dispatch switch would play,
// with the process's Proc (taken from the context) and each method's
// typed Go parameters standing in for the trapframe.
package trap

import (
	"context"

	"rv6/internal/defs"
	"rv6/internal/exec"
	"rv6/internal/file"
	"rv6/internal/fs"
	"rv6/internal/hal"
	"rv6/internal/lock"
	"rv6/internal/mem"
	"rv6/internal/pipe"
	"rv6/internal/proc"
	"rv6/internal/stat"
	"rv6/internal/ustr"
	"rv6/internal/virtio"
	"rv6/internal/vm"
)

// Syscalls bundles every subsystem a syscall handler needs to reach,
// mirroring the set of global tables the teacher's kernel package
// wires together at boot.
type Syscalls struct {
	Procs  *proc.Table
	Files  *file.Table
	Devtab *file.DevTable
	FS     *fs.FS
	Arena  *mem.Arena
	Ticks  *Ticks
}

// callerFile adapts *proc.Proc to pipe.Proc, the minimal identity a
// pipe needs to notice its peer was killed while blocked.
type callerFile struct{ p *proc.Proc }

func (c callerFile) Killed() bool { return c.p.Killed() }

// openFileAt returns p's File at fd, failing with EBADF if fd is out
// of range or unused.
func openFileAt(p *proc.Proc, fd int) (*file.File, defs.Err_t) {
	if fd < 0 || fd >= len(p.Files) {
		return nil, defs.EBADF
	}
	f, _ := p.Files[fd].(*file.File)
	if f == nil {
		return nil, defs.EBADF
	}
	return f, 0
}

func allocFD(p *proc.Proc, f proc.OpenFile) (int, defs.Err_t) {
	for i := range p.Files {
		if p.Files[i] == nil {
			p.Files[i] = f
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

// InitCwd binds p's current directory to the filesystem root, taking
// one reference on it. Whatever constructs a process's Body must call
// this before the body issues any path-based syscall; Fork propagates
// the parent's cwd to the child itself.
func (s *Syscalls) InitCwd(p *proc.Proc) defs.Err_t {
	root, err := s.FS.Root()
	if err != 0 {
		return err
	}
	p.Cwd = root
	return 0
}

func cwdOf(p *proc.Proc) *fs.Inode {
	cwd, _ := p.Cwd.(*fs.Inode)
	if cwd == nil {
		panic("trap: process has no cwd bound; call Syscalls.InitCwd first")
	}
	return cwd
}

// Fork implements SYS_FORK: the child runs childBody once scheduled,
// per spec.md §4.E/§4.N's division of labor between proc.Fork (address
// space + file table duplication) and the caller (supplying what the
// child's own goroutine will execute). The child inherits the parent's
// cwd, referenced a second time.
func (s *Syscalls) Fork(ctx context.Context, childBody proc.Body) (int, defs.Err_t) {
	parent := proc.CurrentProc(ctx)
	child, err := s.Procs.Fork(ctx, s.Arena, childBody)
	if err != 0 {
		return -1, err
	}
	child.Cwd = cwdOf(parent).Dup()
	return child.Pid, 0
}

// Exit implements SYS_EXIT: close every open file and release cwd,
// then hand off to proc.Table.Exit, which never returns.
func (s *Syscalls) Exit(ctx context.Context, status int) {
	p := proc.CurrentProc(ctx)
	for i, f := range p.Files {
		if f != nil {
			f.Close()
			p.Files[i] = nil
		}
	}
	s.FS.Log.BeginOp(ctx)
	cwdOf(p).Put(ctx)
	s.FS.Log.EndOp(ctx)
	s.Procs.Exit(ctx, status)
}

// Wait implements SYS_WAIT.
func (s *Syscalls) Wait(ctx context.Context) (pid int, status int, err defs.Err_t) {
	return s.Procs.Wait(ctx)
}

// Kill implements SYS_KILL.
func (s *Syscalls) Kill(ctx context.Context, pid int) defs.Err_t {
	return s.Procs.Kill(ctx, pid)
}

// Pipe implements SYS_PIPE: allocate a pipe and its two File ends,
// installing them at the caller's lowest two free descriptors.
func (s *Syscalls) Pipe(ctx context.Context, waiter lock.Waiter) (rfd, wfd int, err defs.Err_t) {
	p := proc.CurrentProc(ctx)
	pp := pipe.New(waiter)
	rd, wr, ferr := s.Files.NewPipe(pp)
	if ferr != 0 {
		return -1, -1, ferr
	}
	rfd, err = allocFD(p, rd)
	if err != 0 {
		rd.Close()
		wr.Close()
		return -1, -1, err
	}
	wfd, err = allocFD(p, wr)
	if err != 0 {
		p.Files[rfd] = nil
		rd.Close()
		wr.Close()
		return -1, -1, err
	}
	return rfd, wfd, 0
}

// Read implements SYS_READ.
func (s *Syscalls) Read(ctx context.Context, fd int, dst []byte) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	f, err := openFileAt(p, fd)
	if err != 0 {
		return -1, err
	}
	return f.Read(ctx, callerFile{p}, dst)
}

// Write implements SYS_WRITE.
func (s *Syscalls) Write(ctx context.Context, fd int, src []byte) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	f, err := openFileAt(p, fd)
	if err != 0 {
		return -1, err
	}
	return f.Write(ctx, callerFile{p}, src)
}

// ReadUVA implements SYS_READ's full ABI: dstVA and n arrive as raw
// a1/a2 trapframe values rather than an already-resident []byte, so
// the destination is validated and copied through the caller's page
// table with vm.CopyOut instead of being written directly.
func (s *Syscalls) ReadUVA(ctx context.Context, fd int, dstVA uintptr, n int) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	buf := make([]byte, n)
	nr, err := s.Read(ctx, fd, buf)
	if err != 0 {
		return -1, err
	}
	if err := vm.CopyOut(p.AS.PT, dstVA, buf[:nr]); err != 0 {
		return -1, err
	}
	return nr, 0
}

// WriteUVA implements SYS_WRITE's full ABI: srcVA and n arrive as raw
// a1/a2 trapframe values, so the source bytes are staged into a
// kernel buffer with vm.CopyIn (validating the mapping is present and
// user-accessible) before Write ever sees them.
func (s *Syscalls) WriteUVA(ctx context.Context, fd int, srcVA uintptr, n int) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	buf := make([]byte, n)
	if err := vm.CopyIn(p.AS.PT, buf, srcVA); err != 0 {
		return -1, err
	}
	return s.Write(ctx, fd, buf)
}

// Close implements SYS_CLOSE.
func (s *Syscalls) Close(ctx context.Context, fd int) defs.Err_t {
	p := proc.CurrentProc(ctx)
	f, err := openFileAt(p, fd)
	if err != 0 {
		return err
	}
	p.Files[fd] = nil
	return f.Close()
}

// Dup implements SYS_DUP.
func (s *Syscalls) Dup(ctx context.Context, fd int) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	f, err := openFileAt(p, fd)
	if err != 0 {
		return -1, err
	}
	nf, aerr := allocFD(p, f.Dup())
	if aerr != 0 {
		return -1, aerr
	}
	return nf, 0
}

// Getpid implements SYS_GETPID.
func (s *Syscalls) Getpid(ctx context.Context) int {
	return proc.CurrentProc(ctx).Pid
}

// Open implements SYS_OPEN.
func (s *Syscalls) Open(ctx context.Context, path ustr.Ustr, flags int) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)

	s.FS.Log.BeginOp(ctx)
	var ip *fs.Inode
	var ierr defs.Err_t
	if flags&defs.O_CREATE != 0 {
		ip, ierr = s.create(ctx, cwd, path)
	} else {
		ip, ierr = s.FS.ToInode(ctx, cwd, path)
	}
	if ierr != 0 {
		s.FS.Log.EndOp(ctx)
		return -1, ierr
	}
	ctx2 := ip.Lock(ctx)
	if ip.Type() == defs.T_DIR && flags != defs.O_RDONLY {
		ip.Unlock(ctx2)
		ip.Put(ctx2)
		s.FS.Log.EndOp(ctx2)
		return -1, defs.EISDIR
	}
	major := uint16(0)
	if ip.Type() == defs.T_DEV {
		major = ip.Major()
	}
	readable := flags&defs.O_WRONLY == 0
	writable := flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0
	if flags&defs.O_TRUNC != 0 && writable && ip.Type() == defs.T_FILE {
		ip.Truncate(ctx2)
	}
	f, ferr := s.Files.NewInode(ip, s.FS, readable, writable, s.Devtab, major)
	ip.Unlock(ctx2)
	if ferr != 0 {
		ip.Put(ctx2)
		s.FS.Log.EndOp(ctx2)
		return -1, ferr
	}
	fd, aerr := allocFD(p, f)
	if aerr != 0 {
		f.Close()
		s.FS.Log.EndOp(ctx2)
		return -1, aerr
	}
	s.FS.Log.EndOp(ctx2)
	return fd, 0
}

func (s *Syscalls) create(ctx context.Context, cwd *fs.Inode, path ustr.Ustr) (*fs.Inode, defs.Err_t) {
	parent, name, err := s.FS.ToParentInode(ctx, cwd, path)
	if err != 0 {
		return nil, err
	}
	ctx = parent.Lock(ctx)
	defer func() { parent.Unlock(ctx); parent.Put(ctx) }()

	if existing, _, lerr := parent.DirLookup(ctx, name); lerr == 0 {
		existing.Put(ctx)
		return nil, defs.EEXIST
	}
	ip, err := s.FS.IAlloc(ctx, defs.T_FILE)
	if err != 0 {
		return nil, err
	}
	ctx2 := ip.Lock(ctx)
	ip.SetNlink(1)
	ip.Update(ctx2)
	ip.Unlock(ctx2)
	if err := parent.DirLink(ctx, name, ip.Inum); err != 0 {
		ip.Put(ctx)
		return nil, err
	}
	return ip, 0
}

// Mkdir implements SYS_MKDIR.
func (s *Syscalls) Mkdir(ctx context.Context, path ustr.Ustr) defs.Err_t {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)
	s.FS.Log.BeginOp(ctx)
	defer s.FS.Log.EndOp(ctx)

	parent, name, err := s.FS.ToParentInode(ctx, cwd, path)
	if err != 0 {
		return err
	}
	defer parent.Put(ctx)
	ctx = parent.Lock(ctx)
	defer parent.Unlock(ctx)
	if existing, _, lerr := parent.DirLookup(ctx, name); lerr == 0 {
		existing.Put(ctx)
		return defs.EEXIST
	}
	ip, err := s.FS.IAlloc(ctx, defs.T_DIR)
	if err != 0 {
		return err
	}
	ctx2 := ip.Lock(ctx)
	ip.SetNlink(1)
	ip.Update(ctx2)
	derr := ip.DirLink(ctx2, ustr.MkUstrDot(), ip.Inum)
	if derr == 0 {
		derr = ip.DirLink(ctx2, ustr.DotDot, parent.Inum)
	}
	ip.Unlock(ctx2)
	ip.Put(ctx)
	if derr != 0 {
		return derr
	}
	return parent.DirLink(ctx, name, ip.Inum)
}

// Chdir implements SYS_CHDIR.
func (s *Syscalls) Chdir(ctx context.Context, path ustr.Ustr) defs.Err_t {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)
	ip, err := s.FS.ToInode(ctx, cwd, path)
	if err != 0 {
		return err
	}
	ctx2 := ip.Lock(ctx)
	isDir := ip.Type() == defs.T_DIR
	ip.Unlock(ctx2)
	if !isDir {
		ip.Put(ctx2)
		return defs.ENOTDIR
	}
	cwd.Put(ctx2)
	p.Cwd = ip
	return 0
}

// Fstat implements SYS_FSTAT.
func (s *Syscalls) Fstat(ctx context.Context, fd int, st *stat.Stat_t) defs.Err_t {
	p := proc.CurrentProc(ctx)
	f, err := openFileAt(p, fd)
	if err != 0 {
		return err
	}
	return f.Stat(st)
}

// Mknod implements SYS_MKNOD: create a device special file named path
// with the given major/minor, per spec.md §4.K.
func (s *Syscalls) Mknod(ctx context.Context, path ustr.Ustr, major, minor uint16) defs.Err_t {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)
	s.FS.Log.BeginOp(ctx)
	defer s.FS.Log.EndOp(ctx)

	parent, name, err := s.FS.ToParentInode(ctx, cwd, path)
	if err != 0 {
		return err
	}
	defer parent.Put(ctx)
	ip, err := s.FS.IAlloc(ctx, defs.T_DEV)
	if err != 0 {
		return err
	}
	ctx2 := ip.Lock(ctx)
	ip.SetNlink(1)
	ip.SetDev(major, minor)
	ip.Update(ctx2)
	ip.Unlock(ctx2)
	ip.Put(ctx2)
	ctx3 := parent.Lock(ctx2)
	defer parent.Unlock(ctx3)
	return parent.DirLink(ctx3, name, ip.Inum)
}

// Unlink implements SYS_UNLINK.
func (s *Syscalls) Unlink(ctx context.Context, path ustr.Ustr) defs.Err_t {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)
	s.FS.Log.BeginOp(ctx)
	defer s.FS.Log.EndOp(ctx)

	parent, name, err := s.FS.ToParentInode(ctx, cwd, path)
	if err != 0 {
		return err
	}
	defer parent.Put(ctx)
	ctx = parent.Lock(ctx)
	defer parent.Unlock(ctx)

	ip, off, lerr := parent.DirLookup(ctx, name)
	if lerr != 0 {
		return lerr
	}
	defer ip.Put(ctx)
	ctx2 := ip.Lock(ctx)
	defer ip.Unlock(ctx2)
	if ip.Type() == defs.T_DIR && !ip.IsDirEmpty(ctx2) {
		return defs.ENOTEMPTY
	}
	if err := parent.ClearDirent(ctx2, off); err != 0 {
		return err
	}
	ip.SetNlink(ip.Nlink() - 1)
	return ip.Update(ctx2)
}

// Link implements SYS_LINK.
func (s *Syscalls) Link(ctx context.Context, oldpath, newpath ustr.Ustr) defs.Err_t {
	p := proc.CurrentProc(ctx)
	cwd := cwdOf(p)
	s.FS.Log.BeginOp(ctx)
	defer s.FS.Log.EndOp(ctx)

	ip, err := s.FS.ToInode(ctx, cwd, oldpath)
	if err != 0 {
		return err
	}
	ctx2 := ip.Lock(ctx)
	if ip.Type() == defs.T_DIR {
		ip.Unlock(ctx2)
		ip.Put(ctx2)
		return defs.EPERM
	}
	ip.SetNlink(ip.Nlink() + 1)
	ip.Update(ctx2)
	ip.Unlock(ctx2)

	parent, name, perr := s.FS.ToParentInode(ctx2, cwd, newpath)
	if perr != 0 {
		ctx3 := ip.Lock(ctx2)
		ip.SetNlink(ip.Nlink() - 1)
		ip.Update(ctx3)
		ip.Unlock(ctx3)
		ip.Put(ctx3)
		return perr
	}
	defer parent.Put(ctx2)
	ctx3 := parent.Lock(ctx2)
	linkErr := parent.DirLink(ctx3, name, ip.Inum)
	parent.Unlock(ctx3)
	ip.Put(ctx3)
	return linkErr
}

// Sbrk implements SYS_SBRK: grow or shrink the caller's heap by n
// bytes (negative n shrinks), returning the previous break.
func (s *Syscalls) Sbrk(ctx context.Context, n int) (int, defs.Err_t) {
	p := proc.CurrentProc(ctx)
	old := p.Sz
	if n >= 0 {
		newSz, err := p.AS.Grow(old, old+n, vm.PTE_W)
		if err != 0 {
			return -1, err
		}
		p.Sz = newSz
	} else {
		p.Sz = p.AS.Shrink(old, old+n)
	}
	return old, 0
}

// Sleep implements SYS_SLEEP: block the caller for at least n ticks,
// per spec.md §5 ("sleep durations are explicit; the sleep syscall
// loops on the global tick counter").
func (s *Syscalls) Sleep(ctx context.Context, n int) defs.Err_t {
	p := proc.CurrentProc(ctx)
	return s.Ticks.sleepFor(ctx, p, n)
}

// Uptime implements SYS_UPTIME: the number of timer ticks since boot.
func (s *Syscalls) Uptime(ctx context.Context) int {
	return int(s.Ticks.Get(ctx))
}

// Exec implements SYS_EXEC: load img, and on success replace the
// caller's address space and Sz with the freshly built image.
func (s *Syscalls) Exec(ctx context.Context, img []byte, argv [][]byte) (*exec.Image, defs.Err_t) {
	loaded, err := exec.Load(ctx, s.Arena, img, argv)
	if err != 0 {
		return nil, err
	}
	p := proc.CurrentProc(ctx)
	old := p.AS
	p.AS = loaded.AS
	p.Sz = loaded.Sz
	old.Free()
	return loaded, 0
}

// ExternalInterrupt implements the PLIC claim/dispatch/complete path
// spec.md §4.F describes for the external-interrupt trap cause: a
// UART interrupt is claimed and completed with only an empty write to
// the console (no input is read or echoed), and block-device
// completions are handed to the virtio driver's own completion handler.
func ExternalInterrupt(ctx context.Context, irq hal.IRQLine, console *file.Console, disk *virtio.BlockDevice) {
	id, ok := irq.Claim()
	if !ok {
		return
	}
	switch id {
	case hal.IRQUART:
		console.Write(ctx, []byte{})
	case hal.IRQVirtIO:
		disk.HandleInterrupt(ctx)
	}
	irq.Complete(id)
}

// Tick implements the timer-interrupt trap cause spec.md §4.F
// describes: on hart 0 only, bump the global tick counter and wake
// anything sleeping on it; then arm the next tick and give the hart's
// current process a chance to yield, modeling cooperative preemption
// at tick granularity.
func Tick(ctx context.Context, tk hal.Ticker, procs *proc.Table, ticks *Ticks) context.Context {
	if id, ok := proc.HartID(ctx); !ok || id == 0 {
		ticks.Bump(ctx)
	}
	tk.ArmNext()
	if proc.CurrentProc(ctx) == nil {
		return ctx
	}
	return procs.Yield(ctx)
}

