package handover

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// BootParams is the so-called "zeropage". It corresponds to struct boot_params. Since
// struct boot_params is packed, BootParams doesn't have exactly the same layout. Instead,
// it implements BinaryUnmarshaler and BinaryMarshaler.
type BootParams struct {
	Screen       ScreenInfo // 	struct screen_info screen_info;			/* 0x000 */
	_            [20]byte   // 	struct apm_bios_info apm_bios_info;		/* 0x040 */
	_            [4]uint8   // 	__u8  _pad2[4];					/* 0x054 */
	_            uint64     // 	__u64  tboot_addr;				/* 0x058 */
	_            [16]byte   // 	struct ist_info ist_info;			/* 0x060 */
	AcpiRsdpAddr uint64     // 	__u64 acpi_rsdp_addr;				/* 0x070 */
	_            [8]uint8   // 	__u8  _pad3[8];					/* 0x078 */
	_            [16]uint8  // 	__u8  hd0_info[16];	/* obsolete! */		/* 0x080 */
	_            [16]uint8  // 	__u8  hd1_info[16];	/* obsolete! */		/* 0x090 */
	_            [16]byte   // 	struct sys_desc_table sys_desc_table; /* obsolete! */	/* 0x0a0 */
	_            [16]byte   // 	struct olpc_ofw_header olpc_ofw_header;		/* 0x0b0 */
	_            uint32     // 	__u32 ext_ramdisk_image;			/* 0x0c0 */
	_            uint32     // 	__u32 ext_ramdisk_size;				/* 0x0c4 */
	_            uint32     // 	__u32 ext_cmd_line_ptr;				/* 0x0c8 */
	_            [112]uint8 // 	__u8  _pad4[112];				/* 0x0cc */
	_            uint32     // 	__u32 cc_blob_address;				/* 0x13c */
	_            [128]byte  // 	struct edid_info edid_info;			/* 0x140 */
	_            [32]byte   // 	struct efi_info efi_info;			/* 0x1c0 */
	_            uint32     // 	__u32 alt_mem_k;				/* 0x1e0 */
	_            uint32     // 	__u32 scratch;		/* Scratch field! */	/* 0x1e4 */
	E820Entries  uint8      // 	__u8  e820_entries;				/* 0x1e8 */
	_            uint8      // 	__u8  eddbuf_entries;				/* 0x1e9 */
	_            uint8      // 	__u8  edd_mbr_sig_buf_entries;			/* 0x1ea */
	_            uint8      // 	__u8  kbd_status;				/* 0x1eb */
	_            uint8      // 	__u8  secure_boot;				/* 0x1ec */
	_            [2]uint8   // 	__u8  _pad5[2];					/* 0x1ed */

	// 	/*
	// 	 * The sentinel is set to a nonzero value (0xff) in header.S.
	// 	 *
	// 	 * A bootloader is supposed to only take setup_header and put
	// 	 * it into a clean boot_params buffer. If it turns out that
	// 	 * it is clumsy or too generous with the buffer, it most
	// 	 * probably will pick up the sentinel variable too. The fact
	// 	 * that this variable then is still 0xff will let kernel
	// 	 * know that some variables in boot_params are invalid and
	// 	 * kernel should zero out certain portions of boot_params.
	// 	 */
	// 	__u8  sentinel;					/* 0x1ef */
	_ uint8

	_         uint8              // 	__u8  _pad6[1];					/* 0x1f0 */
	Hdr       SetupHeader        // 	struct setup_header hdr;    /* setup header */	/* 0x1f1 */
	_         [36]uint8          // 	__u8  _pad7[0x290-0x1f1-sizeof(struct setup_header)];
	_         [64]byte           // 	__u32 edd_mbr_sig_buffer[EDD_MBR_SIG_MAX];	/* 0x290 */
	E820Table [128]BootE820Entry // 	struct boot_e820_entry e820_table[E820_MAX_ENTRIES_ZEROPAGE]; /* 0x2d0 */
	_         [48]uint8          // 	__u8  _pad8[48];				/* 0xcd0 */
	_         [492]byte          // 	struct edd_info eddbuf[EDDMAXNR];		/* 0xd00 */
	_         [276]uint8         // 	__u8  _pad9[276];				/* 0xeec */
}

// ScreenInfo corresponds to struct screen_info. The loader fills the lfb
// fields from the platform framebuffer so early console output survives
// the handover.
type ScreenInfo struct {
	OrigX           uint8  // __u8 orig_x			/* 0x00 */
	OrigY           uint8  // __u8 orig_y			/* 0x01 */
	ExtMemK         uint16 // __u16 ext_mem_k		/* 0x02 */
	OrigVideoPage   uint16 // __u16 orig_video_page		/* 0x04 */
	OrigVideoMode   uint8  // __u8 orig_video_mode		/* 0x06 */
	OrigVideoCols   uint8  // __u8 orig_video_cols		/* 0x07 */
	Flags           uint8  // __u8 flags			/* 0x08 */
	_               uint8  // __u8 unused2			/* 0x09 */
	OrigVideoEgaBx  uint16 // __u16 orig_video_ega_bx	/* 0x0a */
	_               uint16 // __u16 unused3			/* 0x0c */
	OrigVideoLines  uint8  // __u8 orig_video_lines		/* 0x0e */
	OrigVideoIsVGA  uint8  // __u8 orig_video_isVGA		/* 0x0f */
	OrigVideoPoints uint16 // __u16 orig_video_points	/* 0x10 */
	LfbWidth        uint16 // __u16 lfb_width		/* 0x12 */
	LfbHeight       uint16 // __u16 lfb_height		/* 0x14 */
	LfbDepth        uint16 // __u16 lfb_depth		/* 0x16 */
	LfbBase         uint32 // __u32 lfb_base		/* 0x18 */
	LfbSize         uint32 // __u32 lfb_size		/* 0x1c */
	_               uint16 // __u16 cl_magic /* obsolete! */ /* 0x20 */
	_               uint16 // __u16 cl_offset /* obsolete! */ /* 0x22 */
	LfbLinelength   uint16 // __u16 lfb_linelength		/* 0x24 */
	RedSize         uint8  // __u8 red_size			/* 0x26 */
	RedPos          uint8  // __u8 red_pos			/* 0x27 */
	GreenSize       uint8  // __u8 green_size		/* 0x28 */
	GreenPos        uint8  // __u8 green_pos		/* 0x29 */
	BlueSize        uint8  // __u8 blue_size		/* 0x2a */
	BluePos         uint8  // __u8 blue_pos			/* 0x2b */
	RsvdSize        uint8  // __u8 rsvd_size		/* 0x2c */
	RsvdPos         uint8  // __u8 rsvd_pos			/* 0x2d */
	VesapmSeg       uint16 // __u16 vesapm_seg		/* 0x2e */
	VesapmOff       uint16 // __u16 vesapm_off		/* 0x30 */
	Pages           uint16 // __u16 pages			/* 0x32 */
	VesaAttributes  uint16 // __u16 vesa_attributes		/* 0x34 */
	Capabilities    uint32 // __u32 capabilities		/* 0x36 */
	ExtLfbBase      uint32 // __u32 ext_lfb_base		/* 0x3a */
	_               [2]uint8
}

// VideoTypeEFI marks the screen_info as describing an EFI linear
// framebuffer (VIDEO_TYPE_EFI).
const VideoTypeEFI = 0x70

// BootE820Entry represents the E820 memory region entry of the boot protocol ABI. It
// corresponds to struct boot_e820_entry. But since struct boot_e820_entry is packed, they
// don't have exactly the same layout.
type BootE820Entry struct {
	Addr uint64 // __u64 addr
	Size uint64 // __u64 size
	Type uint32 // __u32 type
}

// E820 region types.
const (
	E820RAM      = 1
	E820Reserved = 2
	E820ACPI     = 3
	E820NVS      = 4
)

// SetupHeader is the part of the zeropage that explains how to boot the kernel. A boot
// loader usually copies the SetupHeader from of the kernel image's BootParams, customizes
// it, and copies it to the zeropage in memory. SetupHeader corresponds to struct
// setup_header, but they don't have exactly the same layout because the C struct is
// packed.
type SetupHeader struct {
	SetupSects          uint8  // __u8 setup_sects
	RootFlags           uint16 // __u16 root_flags
	Syssize             uint32 // __u32 syssize
	RamSize             uint16 // __u16 ram_size
	VidMode             uint16 // __u16 vid_mode
	RootDev             uint16 // __u16 root_dev
	BootFlag            uint16 // __u16 boot_flag
	Jump                uint16 // __u16 jump
	Header              uint32 // __u32 header
	Version             uint16 // __u16 version
	RealmodeSwtch       uint32 // __u32 realmode_swtch
	StartSysSeg         uint16 // __u16 start_sys_seg
	KernelVersion       uint16 // __u16 kernel_version
	TypeOfLoader        uint8  // __u8 type_of_loader
	Loadflags           uint8  // __u8 loadflags
	SetupMoveSize       uint16 // __u16 setup_move_size
	Code32Start         uint32 // __u32 code32_start
	RamdiskImage        uint32 // __u32 ramdisk_image
	RamdiskSize         uint32 // __u32 ramdisk_size
	BootsectKludge      uint32 // __u32 bootsect_kludge
	HeapEndPtr          uint16 // __u16 heap_end_ptr
	ExtLoaderVer        uint8  // __u8 ext_loader_ver
	ExtLoaderType       uint8  // __u8 ext_loader_type
	CmdLinePtr          uint32 // __u32 cmd_line_ptr
	InitrdAddrMax       uint32 // __u32 initrd_addr_max
	KernelAlignment     uint32 // __u32 kernel_alignment
	RelocatableKernel   uint8  // __u8 relocatable_kernel
	MinAlignment        uint8  // __u8 min_alignment
	Xloadflags          uint16 // __u16 xloadflags
	CmdlineSize         uint32 // __u32 cmdline_size
	HardwareSubarch     uint32 // __u32 hardware_subarch
	HardwareSubarchData uint64 // __u64 hardware_subarch_data
	PayloadOffset       uint32 // __u32 payload_offset
	PayloadLength       uint32 // __u32 payload_length
	SetupData           uint64 // __u64 setup_data
	PrefAddress         uint64 // __u64 pref_address
	InitSize            uint32 // __u32 init_size
	HandoverOffset      uint32 // __u32 handover_offset
	KernelInfoOffset    uint32 // __u32 kernel_info_offset
}

const (
	// SetupHeaderMagic is the required value of the SetupHeader.Header field ("HdrS").
	SetupHeaderMagic = 0x53726448

	// BootFlagMagic is the required value of the SetupHeader.BootFlag field.
	BootFlagMagic = 0xaa55

	// MinProtocolVersion is the oldest boot protocol the loader will
	// hand over to. 2.12 is the first with the full xloadflags and
	// initrd addressing semantics the loader relies on.
	MinProtocolVersion = 0x20c
)

// ZeropageSize is the size of the zeropage in bytes (4K).
const ZeropageSize = 0x1000

var (
	ErrBootFlag       = errors.New("handover: kernel image missing 0xAA55 boot flag")
	ErrSetupMagic     = errors.New("handover: bad setup header magic")
	ErrProtocol       = errors.New("handover: boot protocol too old")
	ErrNotRelocatable = errors.New("handover: kernel is not relocatable")
)

// ParseKernel reads the kernel's embedded zeropage and validates that the
// image is something the loader can actually hand over to: the boot flag
// and setup magic are present, the protocol is recent enough, and the
// kernel tolerates being loaded at an arbitrary address.
func ParseKernel(r io.ReaderAt) (*BootParams, error) {
	z := make([]byte, ZeropageSize)
	if _, err := r.ReadAt(z, 0); err != nil {
		return nil, fmt.Errorf("handover: read zeropage: %w", err)
	}

	zeropage := new(BootParams)
	if err := zeropage.UnmarshalBinary(z); err != nil {
		return nil, err
	}

	hdr := &zeropage.Hdr
	switch {
	case hdr.BootFlag != BootFlagMagic:
		return nil, fmt.Errorf("%w: %#x", ErrBootFlag, hdr.BootFlag)

	case hdr.Header != SetupHeaderMagic:
		return nil, fmt.Errorf("%w: %#x != %#x", ErrSetupMagic, hdr.Header, SetupHeaderMagic)

	case hdr.Version < MinProtocolVersion:
		return nil, fmt.Errorf("%w: %#x < %#x", ErrProtocol, hdr.Version, MinProtocolVersion)

	case hdr.RelocatableKernel == 0:
		return nil, ErrNotRelocatable
	}

	return zeropage, nil
}

// MarshalBinary marshals the params into the layout of struct boot_params.
func (bp *BootParams) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, bp); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalBinary unmarshals a packed struct boot_params into the params.
// It returns io.ErrUnexpectedEOF if the given data is too short.
func (bp *BootParams) UnmarshalBinary(data []byte) error {
	if len(data) < ZeropageSize {
		return io.ErrUnexpectedEOF
	}

	r := bytes.NewReader(data[:ZeropageSize])
	return binary.Read(r, binary.LittleEndian, bp)
}
