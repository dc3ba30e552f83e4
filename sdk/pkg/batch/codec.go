package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	jxtjson "github.com/ChenBigdata421/jxt-telemetry/sdk/pkg/json"
)

// 批次文件格式：
//
//	文件头：4 字节魔数 "JXTB" + 2 字节格式版本
//	记录：  4 字节负载长度 + 4 字节属性长度（均大端）
//	        + 8 字节创建时间（UnixNano）+ 8 字节上下文版本
//	        + 负载 + 属性（JSON，可为空）
//
// 追加是文件末尾的顺序写；崩溃只会截断最后一条记录，
// 解码在遇到截断时返回 ErrTruncatedRecord，由存储层决定保留已解出的前缀还是删除整个批次。

var (
	// ErrBadHeader 文件头魔数或版本不合法
	ErrBadHeader = errors.New("batch: bad file header")
	// ErrTruncatedRecord 最后一条记录不完整（典型为写入中崩溃）
	ErrTruncatedRecord = errors.New("batch: truncated record")
	// ErrRecordTooLarge 单条记录长度超出上限
	ErrRecordTooLarge = errors.New("batch: record too large")
)

var fileMagic = [4]byte{'J', 'X', 'T', 'B'}

const (
	formatVersion  = uint16(1)
	headerSize     = 6
	recordPrefix   = 4 + 4 + 8 + 8
	maxRecordBytes = 64 << 20 // 单条记录硬上限，超出视为损坏
)

// HeaderSize 文件头字节数
const HeaderSize = headerSize

// WriteHeader 写入批次文件头
func WriteHeader(w io.Writer) (int, error) {
	var buf [headerSize]byte
	copy(buf[:4], fileMagic[:])
	binary.BigEndian.PutUint16(buf[4:6], formatVersion)
	return w.Write(buf[:])
}

// EncodeRecord 编码并追加一条事件记录
// 返回写入的字节数
func EncodeRecord(w io.Writer, ev Event) (int, error) {
	attrs, err := marshalAttributes(ev)
	if err != nil {
		return 0, fmt.Errorf("batch: failed to encode event attributes: %w", err)
	}
	if len(ev.Data)+len(attrs) > maxRecordBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(ev.Data)+len(attrs))
	}
	buf := make([]byte, recordPrefix+len(ev.Data)+len(attrs))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(ev.Data)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(attrs)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ev.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], ev.ContextVersion)
	copy(buf[recordPrefix:], ev.Data)
	copy(buf[recordPrefix+len(ev.Data):], attrs)
	return w.Write(buf)
}

// RecordSize 返回事件编码后的字节数，供存储层做轮转判断
func RecordSize(ev Event) int64 {
	attrs, err := marshalAttributes(ev)
	if err != nil {
		// 属性编码失败会在 EncodeRecord 时报错，这里按无属性估算
		attrs = nil
	}
	return int64(recordPrefix + len(ev.Data) + len(attrs))
}

// marshalAttributes 序列化事件属性，空属性返回 nil
func marshalAttributes(ev Event) ([]byte, error) {
	if len(ev.Attributes) == 0 {
		return nil, nil
	}
	return jxtjson.Marshal(ev.Attributes)
}

// Decode 解码整个批次文件，保持追加顺序
// 文件头不合法返回 ErrBadHeader；尾部记录不完整返回已解出的事件和 ErrTruncatedRecord
func Decode(r io.Reader) ([]Event, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, ErrBadHeader
	}
	if [4]byte(header[:4]) != fileMagic {
		return nil, ErrBadHeader
	}
	if binary.BigEndian.Uint16(header[4:6]) != formatVersion {
		return nil, ErrBadHeader
	}

	var events []Event
	var prefix [recordPrefix]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF {
				return events, nil
			}
			return events, ErrTruncatedRecord
		}
		dataSize := binary.BigEndian.Uint32(prefix[0:4])
		attrsSize := binary.BigEndian.Uint32(prefix[4:8])
		if dataSize > maxRecordBytes || attrsSize > maxRecordBytes {
			return events, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, dataSize+attrsSize)
		}
		data := make([]byte, dataSize)
		if _, err := io.ReadFull(r, data); err != nil {
			return events, ErrTruncatedRecord
		}
		ev := Event{
			Data:           data,
			CreatedAt:      time.Unix(0, int64(binary.BigEndian.Uint64(prefix[8:16]))),
			ContextVersion: binary.BigEndian.Uint64(prefix[16:24]),
		}
		if attrsSize > 0 {
			attrs := make([]byte, attrsSize)
			if _, err := io.ReadFull(r, attrs); err != nil {
				return events, ErrTruncatedRecord
			}
			if err := jxtjson.Unmarshal(attrs, &ev.Attributes); err != nil {
				return events, fmt.Errorf("batch: failed to decode event attributes: %w", err)
			}
		}
		events = append(events, ev)
	}
}
