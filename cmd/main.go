package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/disks"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockcache"
	"github.com/dargueta/sectorfs/file_systems/inode"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"
)

func main() {
	imageFlag := &cli.StringFlag{
		Name:     "image",
		Aliases:  []string{"i"},
		Usage:    "path to the image file",
		Required: true,
	}
	inodeFlag := &cli.UintFlag{
		Name:     "inode",
		Aliases:  []string{"n"},
		Usage:    "sector number of the inode",
		Required: true,
	}

	cli := cli.App{
		Usage: "Create and manipulate sector file system images",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "flush-interval",
				Usage: "how often dirty cached sectors are written back",
				Value: blockcache.DefaultFlushInterval,
			},
			&cli.DurationFlag{
				Name:  "read-ahead-interval",
				Usage: "how often the read-ahead worker services a request",
				Value: blockcache.DefaultReadAheadInterval,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log background cache failures to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or wipe an image",
				Action: formatImage,
				Flags: []cli.Flag{
					imageFlag,
					&cli.StringFlag{
						Name:  "profile",
						Usage: "predefined device size; see the `profiles` command",
					},
					&cli.UintFlag{
						Name:  "sectors",
						Usage: "device size in sectors, if no profile is given",
					},
				},
			},
			{
				Name:      "put",
				Usage:     "Copy a file into a new inode and print its number",
				ArgsUsage: "HOST_FILE",
				Action:    putFile,
				Flags:     []cli.Flag{imageFlag},
			},
			{
				Name:   "get",
				Usage:  "Copy an inode's contents out of the image",
				Action: getFile,
				Flags: []cli.Flag{
					imageFlag,
					inodeFlag,
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "where to write the data; defaults to stdout",
					},
				},
			},
			{
				Name:   "stat",
				Usage:  "Show an inode's metadata",
				Action: statInode,
				Flags:  []cli.Flag{imageFlag, inodeFlag},
			},
			{
				Name:   "rm",
				Usage:  "Delete an inode and release its space",
				Action: removeInode,
				Flags:  []cli.Flag{imageFlag, inodeFlag},
			},
			{
				Name:   "profiles",
				Usage:  "List predefined device sizes",
				Action: listProfiles,
			},
		},
	}

	err := cli.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatImage(context *cli.Context) error {
	totalSectors := context.Uint("sectors")
	if slug := context.String("profile"); slug != "" {
		profile, err := disks.GetDeviceProfile(slug)
		if err != nil {
			return err
		}
		totalSectors = profile.TotalSectors
	}
	if totalSectors == 0 {
		return cli.Exit("either --profile or --sectors is required", 1)
	}

	// Build the image in memory and write it out in one go, so a failure
	// doesn't leave a half-formatted file behind.
	image := make([]byte, totalSectors*c.SectorSize)
	err := sectorfs.Format(bytesextra.NewReadWriteSeeker(image), totalSectors)
	if err != nil {
		return err
	}
	return os.WriteFile(context.String("image"), image, 0o644)
}

// withVolume mounts the image named on the command line, runs `action`, and
// unmounts it again.
func withVolume(context *cli.Context, action func(vol *sectorfs.Volume) error) error {
	path := context.String("image")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size()%c.SectorSize != 0 {
		return fmt.Errorf(
			"%s is %d bytes, not a whole number of %d-byte sectors",
			path, info.Size(), c.SectorSize)
	}

	var logger *log.Logger
	if context.Bool("verbose") {
		logger = log.Default()
	}

	vol, err := sectorfs.Mount(
		file,
		uint(info.Size()/c.SectorSize),
		blockcache.WithFlushInterval(context.Duration("flush-interval")),
		blockcache.WithReadAheadInterval(context.Duration("read-ahead-interval")),
		blockcache.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	err = action(vol)
	unmountErr := vol.Unmount()
	if err != nil {
		return err
	}
	return unmountErr
}

// withInode opens the inode named by --inode for the duration of `action`.
func withInode(
	context *cli.Context, action func(vol *sectorfs.Volume, handle *inode.Inode) error,
) error {
	return withVolume(context, func(vol *sectorfs.Volume) error {
		handle, err := vol.OpenInode(c.Sector(context.Uint("inode")))
		if err != nil {
			return err
		}

		err = action(vol, handle)
		closeErr := vol.CloseInode(handle)
		if err != nil {
			return err
		}
		return closeErr
	})
}

func putFile(context *cli.Context) error {
	if context.NArg() != 1 {
		return cli.Exit("expected exactly one file to copy", 1)
	}

	input, err := os.Open(context.Args().First())
	if err != nil {
		return err
	}
	defer input.Close()

	return withVolume(context, func(vol *sectorfs.Volume) error {
		sector, err := vol.CreateInode(0, false)
		if err != nil {
			return err
		}

		handle, err := vol.OpenInode(sector)
		if err != nil {
			return err
		}
		defer vol.CloseInode(handle)

		_, err = io.Copy(vol.Stream(handle), input)
		if err != nil {
			return err
		}
		fmt.Println(strconv.FormatUint(uint64(sector), 10))
		return nil
	})
}

func getFile(context *cli.Context) error {
	var output io.Writer = os.Stdout
	if path := context.String("output"); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		output = file
	}

	return withInode(context, func(vol *sectorfs.Volume, handle *inode.Inode) error {
		_, err := io.Copy(output, vol.Stream(handle))
		return err
	})
}

func statInode(context *cli.Context) error {
	return withInode(context, func(vol *sectorfs.Volume, handle *inode.Inode) error {
		kind := "file"
		if handle.IsDir() {
			kind = "directory"
		}

		length, err := vol.InodeLength(handle)
		if err != nil {
			return err
		}

		fmt.Printf("inode:             %d\n", handle.Inumber())
		fmt.Printf("type:              %s\n", kind)
		fmt.Printf("length:            %d\n", length)
		fmt.Printf("allocated sectors: %d\n", handle.AllocatedSectors())
		fmt.Printf("open directories:  %d\n", handle.OpenedCount())
		fmt.Printf("working dirs:      %d\n", handle.CwdCount())
		fmt.Printf("free sectors:      %d of %d\n", vol.FreeSectors(), vol.TotalSectors())
		return nil
	})
}

func removeInode(context *cli.Context) error {
	return withInode(context, func(vol *sectorfs.Volume, handle *inode.Inode) error {
		if handle.Inumber() < 2 {
			return cli.Exit("refusing to delete the free map or root directory", 1)
		}
		return vol.RemoveInode(handle)
	})
}

func listProfiles(context *cli.Context) error {
	for _, profile := range disks.DeviceProfiles() {
		fmt.Printf(
			"%-12s %8d sectors  %s\n", profile.Slug, profile.TotalSectors, profile.Name)
	}
	return nil
}
