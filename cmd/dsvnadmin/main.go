// Command dsvnadmin is the repository administration CLI: stage and
// commit changes, inspect trees, dump/load Subversion dump streams, and
// drive replication against a remote dsvnd.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"dsvn/pkg/repository"
)

var (
	app   = kingpin.New("dsvnadmin", "Administers a dsvn repository.")
	debug = app.Flag("debug", "Enable debug logging.").Bool()
	repoPath = app.Flag("repo", "Path to the repository.").Short('R').Default(".").String()

	initCmd = app.Command("init", "Create a new repository at --repo.")

	addCmd      = app.Command("add", "Stage a file write.")
	addPath     = addCmd.Arg("path", "Repository path to write.").Required().String()
	addFile     = addCmd.Arg("file", "Local file to read the contents from.").Required().String()
	addExec     = addCmd.Flag("executable", "Set the svn:executable bit.").Bool()

	mkdirCmd  = app.Command("mkdir", "Stage a directory creation.")
	mkdirPath = mkdirCmd.Arg("path", "Repository path to create.").Required().String()

	rmCmd  = app.Command("rm", "Stage a deletion.")
	rmPath = rmCmd.Arg("path", "Repository path to delete.").Required().String()

	commitCmd    = app.Command("commit", "Commit staged changes.")
	commitAuthor = commitCmd.Flag("author", "Commit author.").Required().String()
	commitMsg    = commitCmd.Flag("message", "Commit message.").Short('m').Required().String()

	catCmd = app.Command("cat", "Print a file's contents at a revision.")
	catRev  = catCmd.Flag("rev", "Revision to read (defaults to head).").Uint64()
	catPath = catCmd.Arg("path", "Repository path to read.").Required().String()

	dumpCmd      = app.Command("dump", "Write a Subversion dump stream to stdout.")
	dumpFrom     = dumpCmd.Flag("from", "First revision to dump.").Default("0").Uint64()
	dumpTo       = dumpCmd.Flag("to", "Last revision to dump (defaults to head).").Uint64()
	dumpIncr     = dumpCmd.Flag("incremental", "Write an incremental dump (no UUID header).").Bool()

	loadCmd = app.Command("load", "Replay a Subversion dump stream from stdin.")

	syncInitCmd   = app.Command("sync-init", "Bind this repository as a pull destination of a source dsvnd.")
	syncSourceURL = syncInitCmd.Arg("url", "Base URL of the source dsvnd, e.g. http://host:8090.").Required().String()

	pullCmd = app.Command("pull", "Pull every revision missing from the bound source.")

	verifyCmd          = app.Command("verify", "Check repository integrity and report missing objects.")
	verifyFetchMissing = verifyCmd.Flag("fetch-missing", "Fetch missing blob objects from the bound sync source.").Bool()
)

func mustOpen(entry *logrus.Entry) *repository.Repository {
	repo, err := repository.Open(*repoPath, repository.Options{Log: entry})
	if err != nil {
		kingpin.Fatalf("opening repository at %s: %v", *repoPath, err)
	}
	return repo
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	if *debug {
		log.Level = logrus.DebugLevel
	}
	entry := logrus.NewEntry(log)

	switch cmd {
	case initCmd.FullCommand():
		runInit(entry)
	case addCmd.FullCommand():
		runAdd(entry)
	case mkdirCmd.FullCommand():
		runMkdir(entry)
	case rmCmd.FullCommand():
		runRm(entry)
	case commitCmd.FullCommand():
		runCommit(entry)
	case catCmd.FullCommand():
		runCat(entry)
	case dumpCmd.FullCommand():
		runDump(entry)
	case loadCmd.FullCommand():
		runLoad(entry)
	case syncInitCmd.FullCommand():
		runSyncInit(entry)
	case pullCmd.FullCommand():
		runPull(entry)
	case verifyCmd.FullCommand():
		runVerify(entry)
	}
}
