// cardiacamd: USB biosensor acquisition daemon.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cannon-zz/cardiacam-go/internal/biosensor"
	"github.com/cannon-zz/cardiacam-go/internal/resample"
	"github.com/cannon-zz/cardiacam-go/internal/samplequeue"
	"github.com/cannon-zz/cardiacam-go/internal/usbtransport"
	"github.com/cannon-zz/cardiacam-go/internal/wdconst"
)

const portFile = "/tmp/cardiacamd.port"

var (
	addr    = flag.String("addr", "127.0.0.1:0", "HTTP control surface listen address (port 0 = auto-assign)")
	verbose = flag.Bool("verbose", false, "enable verbose PLL lock/unlock and identity logging")
)

type statusPayload struct {
	Version   uint64 `json:"version"`
	Serial    uint64 `json:"serial"`
	PLLLocked bool   `json:"pll_locked"`
}

type loggingListener struct {
	logger *log.Logger
}

func (l loggingListener) OnPropertiesChanged(p biosensor.Properties) {
	l.logger.Printf("properties changed: version=%d serial=%d pll_locked=%t", p.Version, p.Serial, p.PLLLocked)
}

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "cardiacamd: ", log.LstdFlags)

	transport, err := usbtransport.Open()
	if err != nil {
		logger.Fatalf("open device: %v", err)
	}

	sensor := biosensor.New(transport, logger)
	if *verbose {
		sensor.AddListener(loggingListener{logger: logger})
	}
	if err := sensor.Start(); err != nil {
		logger.Fatalf("start collector: %v", err)
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := os.WriteFile(portFile, []byte(fmt.Sprintf("%d", port)), 0644); err != nil {
		logger.Printf("warning: could not write port file: %v", err)
	}
	defer os.Remove(portFile)

	router := newRouter(sensor, logger)
	srv := &http.Server{Handler: router}

	go func() {
		logger.Printf("listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := sensor.Stop(); err != nil {
		logger.Printf("stop: %v", err)
	}
}

func newRouter(sensor *biosensor.Sensor, logger *log.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		p := sensor.Properties()
		c.JSON(http.StatusOK, statusPayload{
			Version:   p.Version,
			Serial:    p.Serial,
			PLLLocked: p.PLLLocked,
		})
	})

	r.POST("/unlock", func(c *gin.Context) {
		sensor.Unlock()
		c.Status(http.StatusNoContent)
	})

	r.POST("/stop", func(c *gin.Context) {
		if err := sensor.Stop(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/fill", func(c *gin.Context) {
		offset, length, ok := parseFillParams(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset and length must be non-negative integers"})
			return
		}

		frame, status := sensor.Fill(offset, length)
		if status != samplequeue.StatusOK {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": flowStatusName(status)})
			return
		}

		c.Header("X-Frame-Offset", fmt.Sprint(frame.Offset))
		c.Header("X-Frame-Offset-End", fmt.Sprint(frame.OffsetEnd))
		c.Header("X-Frame-PTS", fmt.Sprint(frame.PTS))
		c.Header("X-Frame-DTS", fmt.Sprint(frame.DTS))
		c.Header("X-Frame-Duration", fmt.Sprint(frame.Duration))
		c.Data(http.StatusOK, "application/octet-stream", encodeFrame(frame))
	})

	return r
}

func parseFillParams(c *gin.Context) (offset uint64, length int, ok bool) {
	var q struct {
		Offset uint64 `form:"offset"`
		Length int    `form:"length" binding:"required,min=1"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		return 0, 0, false
	}
	return q.Offset, q.Length, true
}

// encodeFrame lays out the frame as interleaved little-endian float32
// pairs (scl, ppg), wdconst.UnitSize bytes per sample, matching the
// output stream format described in the device's external interface.
func encodeFrame(f resample.Frame) []byte {
	buf := make([]byte, len(f.Scl)*wdconst.UnitSize)
	for i := range f.Scl {
		off := i * wdconst.UnitSize
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f.Scl[i]))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(f.Ppg[i]))
	}
	return buf
}

func flowStatusName(s samplequeue.Status) string {
	switch s {
	case samplequeue.StatusEOS:
		return "EOS"
	case samplequeue.StatusError:
		return "ERROR"
	default:
		return "OK"
	}
}
