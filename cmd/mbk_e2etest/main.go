// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// mbk_e2etest repeatedly adds messages to a Maildir, backs it up with
// mbk (randomly killing it along the way), and checks that a restore
// produces exactly the set of messages that was backed up.
package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const e2eDir = "/tmp/mbk_e2e"

var (
	configPath = filepath.Join(e2eDir, "config.toml")
	mailDir    = filepath.Join(e2eDir, "mail")
	restoreDir = filepath.Join(e2eDir, "restored")
	storeDir   = filepath.Join(e2eDir, "store")
)

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(e2eDir)
	for _, d := range []string{filepath.Join(mailDir, "cur"), filepath.Join(mailDir, "new"), storeDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			log.Fatal(err)
		}
	}
	if err := writeConfig(randBool()); err != nil {
		log.Fatal(err)
	}
	os.Setenv("MBK_PASSPHRASE", "foobar")

	backupTest(randBool(), 10)
}

func writeConfig(parity bool) error {
	c := fmt.Sprintf(`action = "backup"
max_upload_rate = "%dMB"

[disk]
dir = %q
parity = %v

[[email_accounts]]
email_address = "e2e@example.com"
maildir = %q
restore_to = %q
`, 1+rand.Intn(64), storeDir, parity, mailDir, restoreDir)
	return ioutil.WriteFile(configPath, []byte(c), 0600)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(20) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, "--config", configPath)
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if killed {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var nMessages = 0

func backupTest(randomlyKill bool, iters int) {
	for i := 0; i < iters; i++ {
		if err := addMessages(1 + rand.Intn(20)); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err := backup(randomlyKill); err != nil {
			log.Fatalf("%s\n", err)
		}
		if _, err := runCommand("mbk verify"); err != nil {
			log.Fatalf("verify: %s\n", err)
		}

		if err := restore(); err != nil {
			log.Fatalf("%s\n", err)
		}
		if err := compare(mailDir, restoreDir); err != nil {
			log.Fatalf("%s", err)
		}
	}
}

// addMessages writes n random messages to the Maildir. Some are copies
// of existing ones, which should only be stored once.
func addMessages(n int) error {
	existing, err := readMessages(mailDir)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var msg []byte
		if len(existing) > 0 && rand.Intn(5) == 0 {
			msg = []byte(existing[rand.Intn(len(existing))])
		} else {
			body := make([]byte, expSize())
			_, _ = rand.Read(body)
			msg = []byte(fmt.Sprintf("From: e2e@example.com\nSubject: %d\n\n%x\n", nMessages, body))
		}
		sub := "cur"
		if randBool() {
			sub = "new"
		}
		path := filepath.Join(mailDir, sub, fmt.Sprintf("%d.%d.e2e", time.Now().UnixNano(), nMessages))
		if err := ioutil.WriteFile(path, msg, 0600); err != nil {
			return err
		}
		log.Printf("%s: created message. length %d", path, len(msg))
		nMessages++
	}
	return nil
}

func backup(randomlyKill bool) error {
	log.Printf("Starting backup")
	for {
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill("mbk backup --checkpoint 4")
		} else {
			_, err = runCommand("mbk backup")
		}

		if err != errKilled {
			return err
		}
	}
}

func restore() error {
	log.Printf("Starting restore")
	if err := os.RemoveAll(restoreDir); err != nil {
		log.Fatal(err)
	}
	_, err := runCommand("mbk restore")
	return err
}

// readMessages returns the distinct messages under dir, sorted.
func readMessages(dir string) ([]string, error) {
	unique := make(map[string]bool)
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		b, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		unique[string(b)] = true
		return nil
	})
	var msgs []string
	for m := range unique {
		msgs = append(msgs, m)
	}
	sort.Strings(msgs)
	return msgs, err
}

func compare(src, dst string) error {
	a, err := readMessages(src)
	if err != nil {
		return err
	}
	b, err := readMessages(dst)
	if err != nil {
		return err
	}

	mismatches := 0
	inB := make(map[string]bool)
	for _, m := range b {
		inB[m] = true
	}
	for _, m := range a {
		if !inB[m] {
			log.Printf("message of length %d not restored", len(m))
			mismatches++
		}
		delete(inB, m)
	}
	for m := range inB {
		log.Printf("restored unexpected message of length %d", len(m))
		mismatches++
	}

	if mismatches > 0 {
		return fmt.Errorf("%d message mismatches", mismatches)
	}
	log.Printf("%d messages restored", len(a))
	return nil
}
