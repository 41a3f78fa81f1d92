// Package serial is a small termios serial port for Linux, used as the default
// driver of the bridge in this module.
//
// A SerialReader opens the device in raw mode with the framing from Config
// (9600-8-N-1 unless set otherwise) and implements io.ReadWriteCloser. Reads
// block in poll(2) together with a self-pipe, so Close from another goroutine
// wakes a pending Read, which then returns ErrClosed.
//
//	r, err := serial.Open(serial.Config{Device: "/dev/ttyACM0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	go r.ReadLinesLoop(
//	    func(line string) { fmt.Println(line) },
//	    func(err error) { log.Println("read:", err) },
//	)
//
//	// single bytes, e.g. a command code typed by the user
//	if err := r.WriteByte(65); err != nil {
//	    log.Println("write:", err)
//	}
//
// Other platforms compile, but Open returns ErrUnsupportedPlatform; use the
// bugst or tarm drivers of package bridge there.
package serial
